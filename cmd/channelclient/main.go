package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/ruteri/enclave-secure-channel/api/enclavehandler"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/channel"
	"github.com/ruteri/enclave-secure-channel/cmd/flags"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/urfave/cli/v2"
)

var ServerURLFlag = &cli.StringFlag{
	Name:  "server-url",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the enclave server",
}

var MethodFlag = &cli.StringFlag{
	Name:     "method",
	Required: true,
	Usage:    "application method to call",
}

var PayloadFlag = &cli.StringFlag{
	Name:  "payload",
	Value: "null",
	Usage: "request payload, passed to the method as is",
}

var ServerPublicKeyFlag = &cli.StringFlag{
	Name:  "server-public-key",
	Usage: "hex-encoded long-term key the server must present",
}

var ClientAttestationFlag = &cli.BoolFlag{
	Name:  "client-attestation",
	Usage: "attest the client's channel key to the server with the configured quote provider",
}

var SigningKeyFlag = &cli.StringFlag{
	Name:    "signing-key",
	EnvVars: []string{"CHANNEL_SIGNING_KEY"},
	Usage:   "hex-encoded secp256k1 private key to sign requests with",
}

var clientFlags = []cli.Flag{
	ServerURLFlag,
	MethodFlag,
	PayloadFlag,
	ServerPublicKeyFlag,
	ClientAttestationFlag,
	SigningKeyFlag,
	flags.LogServiceFlagFn("channel-client"),
}

func main() {
	allFlags := append(clientFlags, flags.LogFlags...)
	allFlags = append(allFlags, flags.AttestationFlags...)

	app := &cli.App{
		Name:  "channel-client",
		Usage: "Call an enclave method over an attested secure channel",
		Flags: allFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx := cCtx.Context

			cfg, err := channelConfig(cCtx, logger)
			if err != nil {
				return err
			}
			ch, err := channel.New(*cfg)
			if err != nil {
				return err
			}

			if err := ch.Reset(); err != nil {
				return err
			}
			if err := ch.InitiateHandshake(ctx); err != nil {
				return fmt.Errorf("handshake failed: %w", err)
			}
			logger.Info("Channel established",
				"serverPublicKey", ch.ServerPublicKey().String(),
				"serverMeasurement", hex.EncodeToString(ch.ServerMeasurement()))

			method := cCtx.String(MethodFlag.Name)
			requestID := uuid.New().String()
			logger.Debug("Calling method", "method", method, "requestID", requestID)

			resp, callErr := ch.Call(ctx, method, []byte(cCtx.String(PayloadFlag.Name)))
			if err := ch.Close(ctx); err != nil {
				logger.Warn("Failed to close channel", "err", err)
			}
			if callErr != nil {
				return fmt.Errorf("call %s (request %s) failed: %w", method, requestID, callErr)
			}

			fmt.Println(string(resp))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func channelConfig(cCtx *cli.Context, logger *slog.Logger) (*channel.Config, error) {
	attestationCfg, err := flags.SetupAuthority(cCtx, logger)
	if err != nil {
		return nil, err
	}
	policy, err := flags.SetupPolicy(cCtx)
	if err != nil {
		return nil, err
	}

	attestationCfg.Log = logger
	clientAttestation := cCtx.Bool(ClientAttestationFlag.Name)
	if clientAttestation {
		provider, err := flags.SetupQuoteProvider(cCtx, logger)
		if err != nil {
			return nil, err
		}
		attestationCfg.Provider = provider
	}

	cfg := &channel.Config{
		Boundary:          enclavehandler.NewClient(cCtx.String(ServerURLFlag.Name)),
		Attestation:       attestation.NewService(attestationCfg),
		ServerPolicy:      policy,
		ClientAttestation: clientAttestation,
		Log:               logger,
	}

	if pinned := cCtx.String(ServerPublicKeyFlag.Name); pinned != "" {
		key, err := interfaces.NewPublicKeyFromHex(pinned)
		if err != nil {
			return nil, fmt.Errorf("invalid server-public-key: %w", err)
		}
		cfg.ServerPublicKey = &key
	}

	if signingKey := cCtx.String(SigningKeyFlag.Name); signingKey != "" {
		key, err := parseSigningKey(signingKey)
		if err != nil {
			return nil, err
		}
		cfg.SigningKey = key
		logger.Info("Signing requests", "address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	return cfg, nil
}

func parseSigningKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing-key: %w", err)
	}
	return key, nil
}
