package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-secure-channel/api"
	"github.com/ruteri/enclave-secure-channel/common"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the logging flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String("log-service"),
		Version: common.Version,
	})
	if cCtx.Bool(LogUidFlag.Name) {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}

// ConfigureServer builds the host server config from the server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

const (
	categoryLogging = "Logging"
	categoryServer  = "Server"

	categoryAttestation = "Attestation"
)

var (
	ListenAddrFlag = &cli.StringFlag{
		Name:     "listen-addr",
		Value:    "127.0.0.1:8080",
		Usage:    "address to serve the enclave boundary API on",
		Category: categoryServer,
	}
	PprofFlag = &cli.BoolFlag{
		Name:     "pprof",
		Usage:    "serve pprof under /debug",
		Category: categoryServer,
	}
	DrainSecondsFlag = &cli.Int64Flag{
		Name:     "drain-seconds",
		Value:    45,
		Usage:    "seconds /drain waits before reporting the server drained",
		Category: categoryServer,
	}
	MetricsAddrFlag = &cli.StringFlag{
		Name:     "metrics-addr",
		Value:    "127.0.0.1:8090",
		Usage:    "address to serve Prometheus metrics on, empty to disable",
		Category: categoryServer,
	}
)

var (
	LogJsonFlag = &cli.BoolFlag{
		Name:     "log-json",
		Usage:    "log in JSON format",
		Category: categoryLogging,
	}
	LogDebugFlag = &cli.BoolFlag{
		Name:     "log-debug",
		Usage:    "log debug messages",
		Category: categoryLogging,
	}
	LogUidFlag = &cli.BoolFlag{
		Name:     "log-uid",
		Usage:    "tag every log record with a random uid for this process",
		Category: categoryLogging,
	}
)

func LogServiceFlagFn(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "log-service",
		Value:    service,
		Usage:    "'service' tag added to every log record",
		Category: categoryLogging,
	}
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

// CommonFlags are shared by binaries that run the host server.
var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
