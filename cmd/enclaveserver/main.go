package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/enclave-secure-channel/api"
	"github.com/ruteri/enclave-secure-channel/api/attestationproxy"
	"github.com/ruteri/enclave-secure-channel/api/enclavehandler"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/cmd/flags"
	"github.com/ruteri/enclave-secure-channel/common"
	"github.com/ruteri/enclave-secure-channel/dispatcher"
	"github.com/ruteri/enclave-secure-channel/enclave"
	"github.com/ruteri/enclave-secure-channel/httpserver"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/session"
	"github.com/urfave/cli/v2"
)

var MaxSessionsFlag = &cli.IntFlag{
	Name:  "max-sessions",
	Value: 1024,
	Usage: "maximum number of concurrent sessions, the least recently used is evicted beyond it (0 for unlimited)",
}

var IdleTimeoutFlag = &cli.DurationFlag{
	Name:  "idle-timeout",
	Value: 30 * time.Minute,
	Usage: "evict sessions idle for longer than this (0 to disable)",
}

var RequireClientAttestationFlag = &cli.BoolFlag{
	Name:  "require-client-attestation",
	Usage: "reject handshakes that do not carry a client quote",
}

var MaxResponseSizeFlag = &cli.IntFlag{
	Name:  "max-response-size",
	Value: enclave.DefaultMaxResponseSize,
	Usage: "maximum size in bytes of a response leaving the enclave",
}

var ServeAttestationProxyFlag = &cli.BoolFlag{
	Name:  "serve-attestation-proxy",
	Usage: "expose the configured attestation authority to clients under /api/attestation",
}

var serverFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.LogServiceFlagFn(common.PackageName),
	MaxSessionsFlag,
	IdleTimeoutFlag,
	RequireClientAttestationFlag,
	MaxResponseSizeFlag,
	ServeAttestationProxyFlag,
}

func main() {
	allFlags := append(serverFlags, flags.CommonFlags...)
	allFlags = append(allFlags, flags.AttestationFlags...)
	allFlags = append(allFlags, KeyFlags...)

	app := &cli.App{
		Name:  "enclave-server",
		Usage: "Serve an enclave application over an attested secure channel",
		Flags: allFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx := cCtx.Context

			provider, err := flags.SetupQuoteProvider(cCtx, logger)
			if err != nil {
				return err
			}
			attestationCfg, err := flags.SetupAuthority(cCtx, logger)
			if err != nil {
				return err
			}
			policy, err := flags.SetupPolicy(cCtx)
			if err != nil {
				return err
			}

			attestationCfg.Provider = provider
			attestationCfg.Log = logger
			svc := attestation.NewService(attestationCfg)

			sessions := session.NewTable(session.Config{
				MaxSessions:              cCtx.Int(MaxSessionsFlag.Name),
				IdleTimeout:              cCtx.Duration(IdleTimeoutFlag.Name),
				RequireClientAttestation: cCtx.Bool(RequireClientAttestationFlag.Name),
				ClientPolicy:             policy,
			}, svc, logger)

			measurement, err := ownMeasurement(ctx, provider)
			if err != nil {
				return err
			}
			sealer, err := setupSealer(cCtx, measurement)
			if err != nil {
				return err
			}

			e, err := enclave.New(enclave.Config{
				MaxResponseSize: cCtx.Int(MaxResponseSizeFlag.Name),
				Log:             logger,
			}, sessions, sealer)
			if err != nil {
				return err
			}
			if err := registerMethods(e); err != nil {
				return err
			}
			logger.Info("Registered methods", "methods", e.Methods())

			keyStore, err := setupKeyStore(cCtx, logger)
			if err != nil {
				return err
			}
			if err := bootstrapLongTermKey(ctx, cCtx, logger, e, keyStore); err != nil {
				return err
			}
			if keyStore != nil {
				quoteID, err := keyStore.PublishQuote(ctx, sessions.Quote())
				if err != nil {
					logger.Warn("Failed to publish long-term key quote", "err", err)
				} else {
					logger.Info("Published long-term key quote", "quoteID", quoteID.String())
				}
			}

			handlers := []api.RouteRegistrar{enclavehandler.NewHandler(e, logger)}
			if cCtx.Bool(ServeAttestationProxyFlag.Name) {
				handlers = append(handlers, attestationproxy.NewHandler(attestationCfg.Authority, logger))
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
			server, err := httpserver.New(cfg, handlers...)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			server.SetReadinessCheck(e.Ready)

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			server.RunInBackground()

			sweepCtx, stopSweep := context.WithCancel(ctx)
			go sweepIdleSessions(sweepCtx, logger, sessions, cCtx.Duration(IdleTimeoutFlag.Name))

			<-exit
			stopSweep()

			server.Shutdown()
			logger.Info("Server stopped", "requests", e.Requests(), "sessions", sessions.Len())
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// sweepIdleSessions expires idle sessions while no handshakes arrive to do it.
func sweepIdleSessions(ctx context.Context, logger *slog.Logger, sessions *session.Table, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sessions.ExpireIdle(now); n > 0 {
				logger.Debug("Expired idle sessions", "count", n, "remaining", sessions.Len())
			}
		}
	}
}

// registerMethods installs the example application methods.
func registerMethods(e *enclave.Enclave) error {
	if err := e.Register("echo", dispatcher.HandlerFunc(func(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
		return payload, nil
	})); err != nil {
		return err
	}

	return e.Register("whoami", dispatcher.NewMethod(func(ctx context.Context, caller *interfaces.ClientIdentity, _ *struct{}) (*interfaces.ClientIdentity, error) {
		return caller, nil
	}))
}
