// docforge-worker consumes extraction jobs from the queue, runs the
// extraction engine, and persists documents. Scale by running more
// instances; the queue's delivery lease keeps each job on one worker
// at a time.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/docforge/docforge/config"
	"github.com/docforge/docforge/dbopen"
	"github.com/docforge/docforge/extract"
	"github.com/docforge/docforge/fetch"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
	"github.com/docforge/docforge/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	metricsAddr := flag.String("metrics", "", "address for /metrics (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Mongo)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close(context.Background())

	q, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	reg := prometheus.NewRegistry()
	metrics := worker.NewMetrics(reg)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	pool := worker.New(st, q, extract.NewEngine(), fetch.NewClient(cfg.Fetch), cfg.Worker, metrics, logger)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker pool", "error", err)
		os.Exit(1)
	}
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
