package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/torus-labs/runproof/internal/forensic"
	"github.com/torus-labs/runproof/internal/ledger"
	"github.com/torus-labs/runproof/internal/platform/env"
	"github.com/torus-labs/runproof/internal/platform/httpserver"
	"github.com/torus-labs/runproof/internal/platform/postgres"
	"github.com/torus-labs/runproof/internal/policy"
	"github.com/torus-labs/runproof/internal/replay"
	"github.com/torus-labs/runproof/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("RUNPROOF_HTTP_ADDR", ":8095")
	shutdownTimeout, err := env.Duration("RUNPROOF_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	spec := policy.Default()
	if path := env.String("RUNPROOF_POLICY_FILE", ""); path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			logger.Error("read verification policy", "path", path, "error", err)
			os.Exit(2)
		}
		spec, err = policy.ParseSpec(blob)
		if err != nil {
			logger.Error("invalid verification policy", "path", path, "error", err)
			os.Exit(2)
		}
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}

	var verdicts *ledger.Store
	checks := make([]httpserver.ReadinessCheck, 0, 1)
	if dbCfg.Enabled() {
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		verdicts = ledger.NewStore(db)
		if err := verdicts.EnsureSchema(ctx); err != nil {
			logger.Error("verdict schema", "error", err)
			os.Exit(1)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	} else {
		logger.Info("verdict ledger disabled, no database configured")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("runproof"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("runproof", checks...))

	api := server.NewAPI(logger, replay.New(logger, spec), forensic.NewComparator(logger), verdicts)
	api.Register(mux)

	cfg := httpserver.Config{
		Service:         "runproof",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "runproof", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
