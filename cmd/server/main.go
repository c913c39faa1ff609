package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/crowdodds/market-engine/internal/api"
	"github.com/crowdodds/market-engine/internal/config"
	"github.com/crowdodds/market-engine/internal/events"
	"github.com/crowdodds/market-engine/internal/ledger"
	"github.com/crowdodds/market-engine/internal/lifecycle"
	"github.com/crowdodds/market-engine/internal/lock"
	"github.com/crowdodds/market-engine/internal/settlement"
	"github.com/crowdodds/market-engine/internal/store"
	"github.com/crowdodds/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("market-engine exited", "err", err)
		os.Exit(1)
	}
	logger.Info("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		pool, err := store.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.Migrate {
			if err := store.RunMigrations(ctx, pool); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
	}

	// --- Ledger ---
	opts := []ledger.Option{ledger.WithMaxRetries(cfg.Engine.MaxRetries)}
	if rdb != nil && cfg.Redis.Lock {
		opts = append(opts, ledger.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, 0)))
		logger.Info("Redis market lock enabled", "ttl", cfg.Redis.LockTTL)
	}
	lg := ledger.New(st, logger, opts...)

	// --- Events ---
	// With Redis every instance publishes to the channel and relays it into
	// its own hub, so websocket clients see events from all instances.
	hub := events.NewHub(logger, cfg.Server.AllowedOrigins)
	eventLog := events.Func(func(ctx context.Context, ev events.Event) {
		logger.DebugContext(ctx, "event", "type", ev.Type, "market", ev.MarketID, "seq", ev.Sequence)
	})
	pub := events.Multi{hub, eventLog}
	var redisPub *events.RedisPublisher
	if rdb != nil {
		redisPub = events.NewRedisPublisher(rdb, cfg.Redis.Channel, logger)
		pub = events.Multi{redisPub, eventLog}
	}

	// --- Engine components ---
	minUnit, err := cfg.Engine.MinUnitDecimal()
	if err != nil {
		return err
	}
	exec := trade.NewExecutor(lg, pub, logger, minUnit)
	life := lifecycle.NewManager(lg, pub, logger, cfg.Engine.SweepInterval, cfg.Engine.SweepConcurrency)
	settle := settlement.NewEngine(lg, pub, logger)

	srv := api.NewServer(api.Deps{
		Ledger:     lg,
		Executor:   exec,
		Lifecycle:  life,
		Settlement: settle,
		WebSocket:  hub.HandleWS,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return life.Run(ctx) })
	if redisPub != nil {
		g.Go(func() error { return redisPub.Run(ctx) })
		g.Go(func() error { return events.Relay(ctx, rdb, cfg.Redis.Channel, hub, logger) })
	}
	g.Go(func() error {
		logger.Info("market-engine listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
