// Command consumer projects the provider location log into the Redis geo
// index read by the matcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/freight-negotiation/internal/config"
	"github.com/example/freight-negotiation/internal/geo"
	"github.com/example/freight-negotiation/internal/ingest"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight",
		Subsystem: "consumer",
		Name:      "messages_consumed_total",
		Help:      "Location messages read from the log.",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight",
		Subsystem: "consumer",
		Name:      "messages_invalid_total",
		Help:      "Location messages that could not be decoded.",
	})
	redisUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight",
		Subsystem: "consumer",
		Name:      "redis_updates_total",
		Help:      "Positions written to the geo index.",
	})
	redisErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "freight",
		Subsystem: "consumer",
		Name:      "redis_errors_total",
		Help:      "Positions dropped after exhausting retries.",
	})
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "location-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.LocationTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.LocationTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	consume(ctx, r, &redisAdapter{c: rc, key: cfg.RedisGeoKey}, logger)
	logger.Info("shutting down consumer")
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, rc RedisUpdater, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			if sleep(ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		p, err := ingest.DecodePosition(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := updateRedisWithRetry(ctx, rc, p, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "user_id", p.UserID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater is the subset of Redis the projection writes with.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct {
	c   *redis.Client
	key string
}

func (r *redisAdapter) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, r.key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// updateRedisWithRetry writes p in the same layout as geo.RedisGeo, retrying
// each step with doubling delay.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, p models.Position, attempts int, delay time.Duration) error {
	steps := []func() error{
		func() error {
			return rc.GeoAdd(ctx, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.UserID})
		},
		func() error {
			return rc.HSet(ctx, geo.MetaKey(p.UserID), map[string]interface{}{"updated": p.UpdatedAt.UTC().Format(time.RFC3339Nano)})
		},
	}
	for _, step := range steps {
		d := delay
		var err error
		for i := 0; i < attempts; i++ {
			if err = step(); err == nil {
				break
			}
			if i == attempts-1 {
				return fmt.Errorf("after %d attempts: %w", attempts, err)
			}
			if serr := sleep(ctx, d); serr != nil {
				return errors.Join(err, serr)
			}
			d *= 2
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
