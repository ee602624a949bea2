package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/torosent/aca-dts/internal/codeexec"
	"github.com/torosent/aca-dts/internal/config"
	"github.com/torosent/aca-dts/internal/engine"
	"github.com/torosent/aca-dts/internal/httpapi"
	"github.com/torosent/aca-dts/internal/persistence"
	"github.com/torosent/aca-dts/internal/sandbox"
	"github.com/torosent/aca-dts/internal/taskqueue"
	"github.com/torosent/aca-dts/pkg/api"
	"github.com/torosent/aca-dts/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	stores, queue, cleanup, err := buildStorage(cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer cleanup()

	metrics := &api.BasicMetrics{}
	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence:     stores,
		Queue:           queue,
		Observer:        api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		SignalRetention: cfg.SignalRetention,
	})

	var tokens sandbox.TokenSource
	if cfg.SessionPoolToken != "" {
		tokens = sandbox.StaticTokenSource(cfg.SessionPoolToken)
	}
	sb, err := sandbox.NewClient(sandbox.Config{
		PoolURL: cfg.SessionPoolURL,
		Tokens:  tokens,
	})
	if err != nil {
		log.Fatalf("sandbox client: %v", err)
	}
	if err := codeexec.Register(eng, sb, codeexec.Options{ApprovalTimeout: cfg.ApprovalTimeout}); err != nil {
		log.Fatalf("register orchestration: %v", err)
	}

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	n, err := eng.Recover(recoverCtx)
	recoverCancel()
	if err != nil {
		log.Fatalf("recover: %v", err)
	}
	logger.Info("recovered in-flight instances", "count", n)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	w := worker.New(eng, queue, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
	})
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		w.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(eng, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(10 * time.Second):
		logger.Error("workers did not stop in time")
	}
}

// buildStorage picks the persistence backends from configuration:
// SQLite by default, PostgreSQL when POSTGRES_DSN is set, and a Redis
// signal buffer when REDIS_ADDR is set.
func buildStorage(cfg config.Config) (persistence.Persistence, taskqueue.Queue, func(), error) {
	var (
		p       persistence.Persistence
		q       taskqueue.Queue
		cleanup = func() {}
	)

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return p, nil, cleanup, err
		}
		inst, err := persistence.NewPostgresInstanceStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		hist, err := persistence.NewPostgresHistoryStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		sig, err := persistence.NewPostgresSignalStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		p = persistence.Persistence{Instances: inst, Histories: hist, Signals: sig}
		q = taskqueue.NewInMemoryQueue()
		cleanup = func() { db.Close() }
	} else {
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return p, nil, cleanup, err
		}
		inst, err := persistence.NewSQLiteInstanceStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		hist, err := persistence.NewSQLiteHistoryStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		sig, err := persistence.NewSQLiteSignalStore(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		sq, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			db.Close()
			return p, nil, cleanup, err
		}
		p = persistence.Persistence{Instances: inst, Histories: hist, Signals: sig}
		q = sq
		cleanup = func() { db.Close() }
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		p.Signals = persistence.NewRedisSignalStore(rdb, "dts:")
		base := cleanup
		cleanup = func() {
			rdb.Close()
			base()
		}
	}

	return p, q, cleanup, nil
}
