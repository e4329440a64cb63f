// Command agent is a headless participant: it keeps a live copy of a trip
// in sync over the push channel and, for providers, reports positions read
// from stdin while the trip is in progress.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/example/freight-negotiation/internal/client"
	"github.com/example/freight-negotiation/internal/config"
	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/realtime"
	"github.com/example/freight-negotiation/internal/tracking"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("user_id", cfg.UserID, "role", cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AgentConfig, in io.Reader, logger *slog.Logger) error {
	api := client.NewAPI(cfg.APIURL, cfg.HTTPTimeout).WithToken(cfg.Token)
	cache := client.NewTripCache(api, logger)
	changed := make(chan struct{}, 1)
	cache.OnChange(func(t *models.Trip) {
		logger.Info("trip updated", "trip_id", t.ID, "status", t.Status, "bidding", t.BiddingStatus,
			"bids", len(t.Bids), "version", t.Version)
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	ws := realtime.NewClient(realtime.ClientConfig{URL: cfg.WSURL, MaxBackoff: cfg.MaxBackoff}, logger)
	ws.OnEvent(func(ev models.Event) {
		if ev.Type == models.EventError {
			logger.Warn("server reported error", "message", ev.Message)
			return
		}
		cache.HandleEvent(ev)
	})
	ws.OnReconnect(func() {
		if err := cache.RefreshAll(ctx); err != nil {
			logger.Warn("refresh after reconnect failed", "error", err)
		}
	})
	h, err := ws.Connect(ctx, cfg.Token)
	if err != nil {
		return err
	}
	defer ws.Disconnect(h)

	if cfg.TripID == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	if _, err := cache.Track(ctx, cfg.TripID); err != nil {
		return err
	}
	if err := ws.Watch(cfg.TripID); err != nil {
		logger.Warn("subscribe failed, relying on reconnect", "trip_id", cfg.TripID, "error", err)
	}
	if cfg.Role != models.RoleProvider {
		<-ctx.Done()
		return ctx.Err()
	}

	src := newLineSource(ctx, in)
	rep := &tracking.Reporter{
		Source:   src,
		Sink:     &fallbackSink{push: ws, api: api, userID: cfg.UserID, logger: logger},
		Status:   cachedStatus(cache, cfg.TripID),
		Interval: cfg.ReportInterval,
		MinMoveM: cfg.MinMoveM,
		Logger:   logger,
	}
	if err := waitForStart(ctx, cache, cfg.TripID, changed); err != nil {
		return err
	}
	logger.Info("trip in progress, reporting positions", "trip_id", cfg.TripID)
	return rep.Run(ctx)
}

func cachedStatus(cache *client.TripCache, tripID string) func(context.Context) (models.TripStatus, error) {
	return func(context.Context) (models.TripStatus, error) {
		t, ok := cache.Get(tripID)
		if !ok {
			return "", errs.NotFound("trip", tripID)
		}
		return t.Status, nil
	}
}

// waitForStart blocks until the tracked trip is in progress. It returns an
// error if the trip ends first.
func waitForStart(ctx context.Context, cache *client.TripCache, tripID string, changed <-chan struct{}) error {
	for {
		t, ok := cache.Get(tripID)
		if ok {
			switch {
			case t.Status == models.StatusInProgress:
				return nil
			case t.Status.Terminal():
				return fmt.Errorf("trip %s is %s", tripID, t.Status)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// fallbackSink reports over the push channel and falls back to REST while
// it is down.
type fallbackSink struct {
	push   tracking.Sink
	api    *client.API
	userID string
	logger *slog.Logger
}

func (s *fallbackSink) SaveLocation(lat, lng float64) error {
	err := s.push.SaveLocation(lat, lng)
	if err == nil {
		return nil
	}
	s.logger.Debug("push report failed, using REST", "error", err)
	return s.api.SaveLocation(context.Background(), s.userID, lat, lng)
}

// lineSource reads "lat,lng" lines and serves the most recent one.
type lineSource struct {
	mu   sync.Mutex
	cur  models.Coord
	have bool
}

func newLineSource(ctx context.Context, in io.Reader) *lineSource {
	s := &lineSource{}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() && ctx.Err() == nil {
			c, err := parseCoord(sc.Text())
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.cur, s.have = c, true
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *lineSource) Current(context.Context) (models.Coord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.have {
		return models.Coord{}, errors.New("no position yet")
	}
	return s.cur, nil
}

func parseCoord(line string) (models.Coord, error) {
	parts := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("want \"lat,lng\", got %q", line)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return models.Coord{}, err
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return models.Coord{}, err
	}
	c := models.Coord{Lat: lat, Lon: lng}
	return c, tracking.ValidCoord(c)
}
