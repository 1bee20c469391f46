package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/p12sign/config"
	"github.com/collapsinghierarchy/p12sign/fetch"
	"github.com/collapsinghierarchy/p12sign/routes"
	"github.com/collapsinghierarchy/p12sign/service"
	"github.com/collapsinghierarchy/p12sign/store/postgres"
	"github.com/collapsinghierarchy/p12sign/toolchain"
)

const version = "1.0.0"

const usage = `p12signd - iOS package signing service

Downloads a .p12 certificate, a provisioning profile and an .ipa, signs the
package with the macOS toolchain (security, xcrun altool) and serves the
result under /download/.

Usage:
  p12signd [--addr=<addr>] [--staging-dir=<dir>] [--output-dir=<dir>] [--database-url=<url>] [--fetch-timeout=<dur>] [--sign-timeout=<dur>] [--preflight] [--debug]
  p12signd -h | --help
  p12signd --version

Options:
  --addr=<addr>           Listen address (or P12SIGN_ADDR, default :8000)
  --staging-dir=<dir>     Directory for request-scoped inputs (or P12SIGN_STAGING_DIR, default ./temp)
  --output-dir=<dir>      Directory for signed packages (or P12SIGN_OUTPUT_DIR, default ./signed)
  --database-url=<url>    Postgres URL for the signing history (or DATABASE_URL, optional)
  --fetch-timeout=<dur>   Limit for downloading the three inputs, e.g. 2m (or P12SIGN_FETCH_TIMEOUT, default none)
  --sign-timeout=<dur>    Limit for the toolchain run, e.g. 5m (or P12SIGN_SIGN_TIMEOUT, default none)
  --preflight             Check the certificate and profile before signing (or P12SIGN_PREFLIGHT=1)
  --debug                 Verbose logging
  -h --help               Show this help message
  --version               Show version
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		os.Stderr.WriteString("Error parsing arguments: " + err.Error() + "\n")
		os.Exit(1)
	}

	debug, _ := opts.Bool("--debug")
	log := newLogger(debug)
	defer log.Sync()

	//----------------------------------------------------------------------
	// 1. config: flags, then env, then defaults
	//----------------------------------------------------------------------
	cfg := config.Default()
	cfg.Addr = flagOrEnv(opts, "--addr", "P12SIGN_ADDR", cfg.Addr)
	cfg.StagingDir = flagOrEnv(opts, "--staging-dir", "P12SIGN_STAGING_DIR", cfg.StagingDir)
	cfg.OutputDir = flagOrEnv(opts, "--output-dir", "P12SIGN_OUTPUT_DIR", cfg.OutputDir)
	cfg.DatabaseURL = flagOrEnv(opts, "--database-url", "DATABASE_URL", "")
	cfg.FetchTimeout = mustDuration(log, "--fetch-timeout", flagOrEnv(opts, "--fetch-timeout", "P12SIGN_FETCH_TIMEOUT", ""))
	cfg.SignTimeout = mustDuration(log, "--sign-timeout", flagOrEnv(opts, "--sign-timeout", "P12SIGN_SIGN_TIMEOUT", ""))
	cfg.Preflight = flagOrEnvBool(opts, "--preflight", "P12SIGN_PREFLIGHT")

	//----------------------------------------------------------------------
	// 2. optional Postgres history
	//----------------------------------------------------------------------
	svcOpts := []service.Option{service.WithLogger(log)}
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			cancel()
			log.Fatal("pgxpool.New", zap.Error(err))
		}
		err = postgres.Migrate(ctx, pool)
		cancel()
		if err != nil {
			log.Fatal("migrate signings table", zap.Error(err))
		}
		defer pool.Close()
		svcOpts = append(svcOpts, service.WithStore(postgres.NewStore(pool)))
	}

	//----------------------------------------------------------------------
	// 3. domain → service → API handlers
	//----------------------------------------------------------------------
	signer := toolchain.NewSigner(toolchain.ExecRunner{}, log.Named("toolchain"))
	svc, err := service.New(cfg, fetch.New(nil), signer, svcOpts...)
	if err != nil {
		log.Fatal("service.New", zap.Error(err))
	}

	//----------------------------------------------------------------------
	// 4. HTTP server with graceful shutdown
	//----------------------------------------------------------------------
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes.SetupRoutes(svc, log.Named("http")),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: a signing run may take minutes
	}

	go func() {
		log.Info("p12signd listening",
			zap.String("addr", cfg.Addr),
			zap.String("staging_dir", cfg.StagingDir),
			zap.String("output_dir", cfg.OutputDir),
			zap.Bool("preflight", cfg.Preflight),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("ListenAndServe", zap.Error(err))
		}
	}()

	// CTRL-C → graceful stop
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down …")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────────

func newLogger(debug bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return log
}

func flagOrEnv(opts docopt.Opts, flag, env, fallback string) string {
	if v, _ := opts.String(flag); v != "" {
		return v
	}
	return getenv(env, fallback)
}

func flagOrEnvBool(opts docopt.Opts, flag, env string) bool {
	if v, _ := opts.Bool(flag); v {
		return true
	}
	b, _ := strconv.ParseBool(os.Getenv(env))
	return b
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustDuration(log *zap.Logger, name, v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatal(name+" must be a duration", zap.String("value", v), zap.Error(err))
	}
	return d
}
