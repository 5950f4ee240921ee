package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/enclave"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/kms"
	"github.com/ruteri/enclave-secure-channel/storage"
	"github.com/urfave/cli/v2"
)

var SealMasterKeyFlag = &cli.StringFlag{
	Name:    "seal-master-key",
	EnvVars: []string{"SEAL_MASTER_KEY"},
	Usage:   "hex-encoded master key (at least 32 bytes) the long-term key is sealed under",
}

var SealPassphraseFlag = &cli.StringFlag{
	Name:    "seal-passphrase",
	EnvVars: []string{"SEAL_PASSPHRASE"},
	Usage:   "passphrase the sealing key is derived from, used when no master key is set",
}

var KeyStorageFlag = &cli.StringSliceFlag{
	Name:  "key-storage",
	Usage: "storage backend URI for sealed keys (file://, s3://, vault://), can be repeated",
}

var KeyIDFlag = &cli.StringFlag{
	Name:  "key-id",
	Usage: "content ID of a stored sealed key to restore instead of generating a new one",
}

var KeyFlags = []cli.Flag{
	SealMasterKeyFlag,
	SealPassphraseFlag,
	KeyStorageFlag,
	KeyIDFlag,
}

// ownMeasurement reads the enclave measurement from a quote over empty report data.
func ownMeasurement(ctx context.Context, provider interfaces.QuoteProvider) ([]byte, error) {
	var reportData [interfaces.ReportDataSize]byte
	raw, err := provider.GetQuote(ctx, nil, reportData)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain own quote: %w", err)
	}
	quote, err := attestation.ParseQuote(raw)
	if err != nil {
		return nil, err
	}
	return quote.Measurement, nil
}

// setupSealer returns nil when no sealing secret is configured; the key is
// then ephemeral.
func setupSealer(cCtx *cli.Context, measurement []byte) (*kms.Sealer, error) {
	if masterKeyHex := cCtx.String(SealMasterKeyFlag.Name); masterKeyHex != "" {
		masterKey, err := hex.DecodeString(masterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid seal-master-key: %w", err)
		}
		return kms.NewSealer(masterKey, measurement)
	}
	if passphrase := cCtx.String(SealPassphraseFlag.Name); passphrase != "" {
		return kms.NewSealerFromPassphrase(passphrase, measurement)
	}
	return nil, nil
}

func setupKeyStore(cCtx *cli.Context, logger *slog.Logger) (*storage.SealedKeyStore, error) {
	uris := cCtx.StringSlice(KeyStorageFlag.Name)
	if len(uris) == 0 {
		return nil, nil
	}

	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}

	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("failed to set up key storage: %w", err)
	}
	return storage.NewSealedKeyStore(backend), nil
}

// bootstrapLongTermKey installs the long-term key: restored from the key store
// when a key ID is given, generated otherwise. A generated key is sealed and
// saved when both a sealer and a key store are configured.
func bootstrapLongTermKey(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, e *enclave.Enclave, keyStore *storage.SealedKeyStore) error {
	if keyIDHex := cCtx.String(KeyIDFlag.Name); keyIDHex != "" {
		if keyStore == nil {
			return errors.New("key-id requires at least one key-storage backend")
		}
		keyID, err := interfaces.NewContentIDFromHex(keyIDHex)
		if err != nil {
			return fmt.Errorf("invalid key-id: %w", err)
		}
		sealed, err := keyStore.Load(ctx, keyID)
		if err != nil {
			return err
		}
		pubkey, err := e.RestoreLongTermKey(ctx, sealed)
		if err != nil {
			return fmt.Errorf("failed to restore long-term key: %w", err)
		}
		logger.Info("Long-term key restored", "publicKey", pubkey.String(), "keyID", keyID.String(), "storage", keyStore.Location())
		return nil
	}

	pubkey, err := e.GenerateLongTermKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to generate long-term key: %w", err)
	}
	logger.Info("Long-term key generated", "publicKey", pubkey.String())

	if keyStore == nil {
		logger.Warn("No key storage configured, the long-term key will not survive a restart")
		return nil
	}

	sealed, err := e.SealLongTermKey()
	if errors.Is(err, enclave.ErrSealerUnavailable) {
		logger.Warn("No sealing secret configured, the long-term key is not persisted")
		return nil
	} else if err != nil {
		return err
	}

	keyID, err := keyStore.Save(ctx, sealed)
	if err != nil {
		return err
	}
	logger.Info("Sealed long-term key stored, pass --key-id to restore it", "keyID", keyID.String(), "storage", keyStore.Location())
	return nil
}
