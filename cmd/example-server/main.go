package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/manenim/redis-coord/internal/config"
	"github.com/manenim/redis-coord/internal/logger"
	"github.com/manenim/redis-coord/pkg/cache"
	"github.com/manenim/redis-coord/pkg/counter"
	"github.com/manenim/redis-coord/pkg/invalidate"
	"github.com/manenim/redis-coord/pkg/leaderboard"
	"github.com/manenim/redis-coord/pkg/limiter"
	"github.com/manenim/redis-coord/pkg/lock"
	"github.com/manenim/redis-coord/pkg/metrics"
	"github.com/manenim/redis-coord/pkg/queue"
	"github.com/manenim/redis-coord/pkg/session"
	"github.com/manenim/redis-coord/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	recorder := metrics.NewPrometheusRecorder("coord")
	srv, err := newServer(cfg, client, log,
		store.WithNamespace(cfg.Redis.Namespace),
		store.WithTimeout(cfg.Redis.Timeout),
		store.WithRecorder(recorder),
		store.WithLogger(log),
	)
	if err != nil {
		return err
	}

	mux := srv.routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("redis", cfg.Redis.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// server holds one instance of every primitive.
type server struct {
	cfg *config.Config
	log *zap.Logger

	limiter     limiter.RateLimiter
	locks       *lock.Locker
	cache       *cache.Coordinator
	queue       *queue.Queue
	counter     *counter.Counter
	invalidator *invalidate.Invalidator
	board       *leaderboard.Board
	sessions    *session.Registry
}

func newServer(cfg *config.Config, client store.Client, log *zap.Logger, opts ...store.Option) (*server, error) {
	s := &server{cfg: cfg, log: log}

	var err error
	if s.limiter, err = limiter.NewRedisLimiter(client, opts...); err != nil {
		return nil, err
	}
	if s.locks, err = lock.New(client, opts...); err != nil {
		return nil, err
	}
	if s.cache, err = cache.New(client, cfg.Cache.MarkerTTL, opts...); err != nil {
		return nil, err
	}
	if s.queue, err = queue.New(client, opts...); err != nil {
		return nil, err
	}
	if s.counter, err = counter.New(client, opts...); err != nil {
		return nil, err
	}
	if s.invalidator, err = invalidate.New(client, opts...); err != nil {
		return nil, err
	}
	if s.board, err = leaderboard.New(client, opts...); err != nil {
		return nil, err
	}
	if s.sessions, err = session.New(client, opts...); err != nil {
		return nil, err
	}
	return s, nil
}
