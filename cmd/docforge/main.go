// docforge is the HTTP front of the document pipeline: account
// registration and login, document submission, and job queries. It
// also runs the recovery sweeper that re-publishes pending jobs whose
// queue message was lost, and with embed_worker set, the worker pool
// itself for single-process deployments.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/docforge/docforge/api"
	"github.com/docforge/docforge/auth"
	"github.com/docforge/docforge/config"
	"github.com/docforge/docforge/dbopen"
	"github.com/docforge/docforge/extract"
	"github.com/docforge/docforge/fetch"
	"github.com/docforge/docforge/intake"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/status"
	"github.com/docforge/docforge/store"
	"github.com/docforge/docforge/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if len(cfg.Auth.Secret) < auth.MinSecretLen {
		slog.Error("AUTH_SECRET is required and must be at least 32 bytes")
		os.Exit(1)
	}
	secret := []byte(cfg.Auth.Secret)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Document store.
	st, err := store.Open(ctx, cfg.Mongo)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())

	// Job queue.
	q, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	// Accounts.
	usersDB, err := dbopen.Open(cfg.Auth.UsersDB, dbopen.WithMkdirAll(), dbopen.WithSchema(auth.UsersSchema))
	if err != nil {
		slog.Error("open users db", "error", err)
		os.Exit(1)
	}
	defer usersDB.Close()
	users := auth.NewUserStore(usersDB)

	reg := prometheus.NewRegistry()
	metrics := worker.NewMetrics(reg)

	server := api.NewServer(
		intake.New(st, q, cfg.Intake, logger),
		status.New(st),
		users,
		secret,
		api.Options{TokenExpiry: cfg.Auth.TokenExpiry, Gatherer: reg, Logger: logger},
	)

	sweeper := worker.NewSweeper(st, q, cfg.Sweep, metrics, logger)
	go sweeper.Run(ctx)

	// Single-node mode: run the worker pool in-process so the sqlite
	// queue backend works without a second binary.
	if cfg.EmbedWorker {
		pool := worker.New(st, q, extract.NewEngine(), fetch.NewClient(cfg.Fetch), cfg.Worker, metrics, logger)
		go func() {
			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("embedded worker pool", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("docforge: listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server", "error", err)
		os.Exit(1)
	}
	slog.Info("docforge: stopped")
}

// openQueue picks the queue backend: AMQP against a broker, or a
// SQLite table for single-node deployments.
func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.QueueBackend == "sqlite" {
		db, err := dbopen.Open(cfg.QueueDB, dbopen.WithMkdirAll())
		if err != nil {
			return nil, err
		}
		return queue.OpenSQLite(ctx, db, cfg.SQLiteQueue)
	}
	return queue.OpenAMQP(cfg.Queue)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
