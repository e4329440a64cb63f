package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-negotiation/internal/config"
	"github.com/example/freight-negotiation/internal/geo"
	httpapi "github.com/example/freight-negotiation/internal/http"
	"github.com/example/freight-negotiation/internal/ingest"
	"github.com/example/freight-negotiation/internal/lifecycle"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/matcher"
	"github.com/example/freight-negotiation/internal/negotiation"
	"github.com/example/freight-negotiation/internal/payments"
	"github.com/example/freight-negotiation/internal/realtime"
	"github.com/example/freight-negotiation/internal/storage"
	"github.com/example/freight-negotiation/internal/timer"
	"github.com/example/freight-negotiation/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

type closer func() error

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("shutdown step failed", "error", err)
			}
		}
	}()

	var (
		trips   storage.TripStore
		wallets storage.WalletStore
	)
	if cfg.PGDSN != "" {
		pool, err := storage.NewPostgresPool(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return err
		}
		closers = append(closers, func() error { pool.Close(); return nil })

		ws, err := storage.NewPostgresWalletStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ws.Close)
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, ws.DB())
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		trips, wallets = storage.NewPostgresTripStore(pool), ws
		logger.Info("postgres storage enabled")
	} else {
		mem := storage.NewMemoryStore()
		trips, wallets = mem, mem
		logger.Warn("PG_DSN not set, trips and wallets are kept in memory")
	}

	if cfg.WSAuthSecret == config.DevAuthSecret {
		logger.Warn("WS_AUTH_SECRET not set, using the development secret", "env", cfg.Env)
	}

	hub := realtime.NewHub(logger)
	closers = append(closers, func() error { hub.CloseAll(); return nil })

	var (
		index     geo.Index
		publisher lifecycle.Fanout
		rdb       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		closers = append(closers, rdb.Close)
		index = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)

		bridge := realtime.NewBridge(rdb, cfg.EventsChannel, cfg.InstanceID, hub, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("event bridge stopped", "error", err)
			}
		}()
		publisher = append(publisher, bridge)
		logger.Info("redis enabled", "addr", cfg.RedisAddr, "instance", cfg.InstanceID)
	} else {
		mem := geo.NewIndex()
		mem.MaxAge = cfg.PositionMaxAge
		index = mem
		publisher = append(publisher, hub)
	}

	var locLog tracking.LocationLog
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTripTopic, cfg.KafkaLocationTopic)
		closers = append(closers, producer.Close)
		publisher = append(publisher, producer)
		locLog = producer
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers)
	}

	clock := timer.RealClock()
	timers := timer.NewService(clock)
	engine := negotiation.NewEngine(trips, publisher, negotiation.Rules{
		Opener:         cfg.NegotiationOpener,
		WindowDuration: cfg.BiddingWindow,
	}, clock, logger)
	trk := tracking.NewService(index, trips, publisher, locLog, clock, logger)
	hub.SetLocationHandler(trk)

	mgr := lifecycle.NewManager(lifecycle.Deps{
		Store:       trips,
		Timers:      timers,
		Engine:      engine,
		Publisher:   publisher,
		Eligibility: &matcher.Service{Geo: index, RadiusM: cfg.MatcherRadiusM, TopN: cfg.MatcherTopN},
		Watchers:    hub,
		Positions:   trk,
		Clock:       clock,
		Logger:      logger,
	}, lifecycle.Config{ProximityRadiusM: cfg.ProximityRadiusM, PositionMaxAge: cfg.PositionMaxAge})
	restored, err := mgr.RestoreWindows(ctx)
	if err != nil {
		return err
	}
	logger.Info("bidding windows restored", "count", restored)

	var tracker *payments.Tracker
	if cfg.StripeAPIKey != "" {
		schedule := payments.DefaultSchedule()
		schedule.FinalPercent = cfg.FinalStagePercent
		gw := payments.NewBreakerGateway(payments.NewStripeGateway(cfg.StripeAPIKey), logger)
		tracker = payments.NewTracker(trips, wallets, gw, schedule, cfg.PaymentCurrency, clock, logger)
	} else {
		logger.Warn("STRIPE_API_KEY not set, payment endpoints are disabled")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Trips:    mgr,
		Payments: tracker,
		Tracking: trk,
		Hub:      hub,
		Auth:     realtime.NewHMACAuthenticator(cfg.WSAuthSecret),
		Ready: func(r *http.Request) error {
			if rdb == nil {
				return nil
			}
			return rdb.Ping(r.Context()).Err()
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("freight negotiation listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
