package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
	"github.com/alejoamiras/tee-rex-sub002/pkg/enclave"
	"github.com/alejoamiras/tee-rex-sub002/pkg/encryption"
	"github.com/alejoamiras/tee-rex-sub002/pkg/logger"
	"github.com/alejoamiras/tee-rex-sub002/pkg/prover"
	"github.com/alejoamiras/tee-rex-sub002/pkg/server"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "prover-server",
		Usage: "TEE-delegated proving server",
		Description: `Serves proving requests over an attested, encrypted channel.

The server generates its encryption key pair at startup, binds it into the
platform's attestation artifact, and only ever sees proving payloads that
were encrypted to that key. Supported attestation backends:
- none:  no hardware attestation (development only)
- nitro: signed attestation documents
- tdx:   hardware quotes checked by a third-party verification service`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8080,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvServerPort},
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Value:   string(types.BackendNone),
				Usage:   "Attestation backend: none, nitro, tdx",
				EnvVars: []string{config.EnvServerBackend},
			},
			&cli.StringFlag{
				Name:     "prover-bin",
				Usage:    "Path to the proving binary (payload JSON on stdin, proof on stdout)",
				EnvVars:  []string{config.EnvProverBin},
				Required: true,
			},
			&cli.IntFlag{
				Name:    "rate-quota",
				Value:   config.DefaultRateQuota,
				Usage:   "Per-IP proving requests per hour",
				EnvVars: []string{config.EnvRateQuota},
			},
			&cli.Int64Flag{
				Name:    "max-body-bytes",
				Value:   config.DefaultMaxBodyBytes,
				Usage:   "Maximum /prove request body size in bytes",
				EnvVars: []string{config.EnvMaxBodyBytes},
			},
			&cli.DurationFlag{
				Name:    "prove-timeout",
				Value:   config.DefaultProveTimeout,
				Usage:   "Maximum duration of a single proving run",
				EnvVars: []string{config.EnvProveTimeout},
			},
			&cli.Int64Flag{
				Name:    "max-concurrent-proofs",
				Value:   config.DefaultMaxConcurrentProofs,
				Usage:   "Maximum proving runs in flight",
				EnvVars: []string{config.EnvMaxConcurrent},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvVerbose},
			},
		},
		Action: runProverServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runProverServer(c *cli.Context) error {
	cfg := &config.ServerConfig{
		Port:                c.Int("port"),
		Backend:             types.Backend(c.String("backend")),
		ProverBin:           c.String("prover-bin"),
		RateQuota:           c.Int("rate-quota"),
		MaxBodyBytes:        c.Int64("max-body-bytes"),
		ProveTimeout:        c.Duration("prove-timeout"),
		MaxConcurrentProofs: c.Int64("max-concurrent-proofs"),
		Verbose:             c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Verbose})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	enc, err := encryption.NewService(cfg.Backend, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to generate encryption keys: %w", err)
	}

	// Fails here, before listening, when the configured backend's
	// hardware is unavailable.
	encl, err := enclave.NewService(cfg.Backend, enc, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize attestation backend: %w", err)
	}

	p := prover.NewCommandProver(cfg.ProverBin, nil, zapLogger)
	handler := server.NewHandler(encl, p, cfg, zapLogger)
	srv := server.New(cfg, handler, zapLogger)

	srv.Start()
	zapLogger.Sugar().Infow("Prover server running",
		"port", cfg.Port,
		"backend", cfg.Backend,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
