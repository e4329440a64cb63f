// Package realtime is the push channel between the service and connected
// parties: a server-side Hub that owns one session per user, and a client
// connection manager that survives transport loss.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
	"github.com/example/freight-negotiation/internal/observability"
)

// CloseReplaced is sent to a session superseded by a newer connection of
// the same user. Clients must not reconnect on it.
const CloseReplaced = 4001

// LocationHandler serves the location frames of the push protocol.
type LocationHandler interface {
	SaveLocation(ctx context.Context, userID string, c models.Coord) error
	UserLocation(ctx context.Context, userID string) (models.Position, bool, error)
}

// Hub routes events to live sessions. Trip interest is kept per user so a
// dropped and re-established connection keeps receiving the same trips.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	watchers map[string]map[string]struct{} // trip -> users
	watching map[string]map[string]struct{} // user -> trips

	// pubMu serialises enqueueing so every watcher sees one order. Sends
	// never block, so holding it costs no network time.
	pubMu       sync.Mutex
	lastVersion map[string]int64

	locations LocationHandler
	logger    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions:    make(map[string]*Session),
		watchers:    make(map[string]map[string]struct{}),
		watching:    make(map[string]map[string]struct{}),
		lastVersion: make(map[string]int64),
		logger:      logging.Component(logger, "realtime"),
	}
}

// SetLocationHandler wires the tracking service after both are built.
func (h *Hub) SetLocationHandler(l LocationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locations = l
}

// Connect registers conn as the only live session of id.UserID. A previous
// session for the same user is closed and replaced.
func (h *Hub) Connect(id Identity, conn *websocket.Conn) *Session {
	s := newSession(id, conn)
	h.mu.Lock()
	old := h.sessions[id.UserID]
	h.sessions[id.UserID] = s
	h.mu.Unlock()

	if old != nil {
		old.Close(CloseReplaced, "replaced by a newer connection")
		h.logger.Info("session replaced", "user_id", id.UserID)
	} else {
		observability.WSSessions.Inc()
	}
	return s
}

func (h *Hub) release(s *Session) {
	h.mu.Lock()
	cur := h.sessions[s.Identity.UserID]
	if cur == s {
		delete(h.sessions, s.Identity.UserID)
	}
	h.mu.Unlock()
	if cur == s {
		observability.WSSessions.Dec()
	}
	s.Close(websocket.CloseNormalClosure, "")
}

// Serve pumps inbound frames until the connection drops, ctx ends, or the
// session is replaced.
func (h *Hub) Serve(ctx context.Context, s *Session) {
	defer h.release(s)

	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writeLoop()
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.Close(websocket.CloseGoingAway, "server shutting down")
				return
			case <-s.Done():
				return
			case <-t.C:
				if err := s.ping(); err != nil {
					s.Close(websocket.CloseGoingAway, "ping failed")
					return
				}
			}
		}
	}()

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				h.logger.Debug("session read ended", "user_id", s.Identity.UserID, "error", err)
			}
			return
		}
		h.handleFrame(ctx, s, f)
	}
}

func (h *Hub) handleFrame(ctx context.Context, s *Session, f Frame) {
	uid := s.Identity.UserID
	switch f.Type {
	case FrameSubscribe:
		if f.TripID == "" {
			h.replyError(s, "subscribe requires tripId")
			return
		}
		h.Watch(uid, f.TripID)
	case FrameUnsubscribe:
		h.Unwatch(uid, f.TripID)
	case FrameSaveLocation:
		loc := h.locationHandler()
		if loc == nil {
			h.replyError(s, "location tracking unavailable")
			return
		}
		if err := loc.SaveLocation(ctx, uid, models.Coord{Lat: f.Latitude, Lon: f.Longitude}); err != nil {
			h.replyError(s, err.Error())
		}
	case FrameGetUserLocation:
		loc := h.locationHandler()
		if loc == nil {
			h.replyError(s, "location tracking unavailable")
			return
		}
		p, ok, err := loc.UserLocation(ctx, f.UserID)
		switch {
		case err != nil:
			h.replyError(s, err.Error())
		case !ok:
			h.replyError(s, fmt.Sprintf("no location for user %s", f.UserID))
		default:
			_ = s.Send(models.Event{
				Type:      models.EventUserLocation,
				UserID:    p.UserID,
				Latitude:  p.Loc.Lat,
				Longitude: p.Loc.Lon,
				At:        p.UpdatedAt,
			})
		}
	default:
		h.replyError(s, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

func (h *Hub) replyError(s *Session, msg string) {
	_ = s.Send(models.Event{Type: models.EventError, Message: msg, At: time.Now()})
}

func (h *Hub) locationHandler() LocationHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.locations
}

func (h *Hub) Watch(userID, tripID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[tripID] == nil {
		h.watchers[tripID] = make(map[string]struct{})
	}
	h.watchers[tripID][userID] = struct{}{}
	if h.watching[userID] == nil {
		h.watching[userID] = make(map[string]struct{})
	}
	h.watching[userID][tripID] = struct{}{}
}

func (h *Hub) Unwatch(userID, tripID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watchers[tripID], userID)
	if len(h.watchers[tripID]) == 0 {
		delete(h.watchers, tripID)
	}
	delete(h.watching[userID], tripID)
	if len(h.watching[userID]) == 0 {
		delete(h.watching, userID)
	}
}

// Forget drops every watcher of a trip that has reached a terminal state.
func (h *Hub) Forget(tripID string) {
	h.mu.Lock()
	for uid := range h.watchers[tripID] {
		delete(h.watching[uid], tripID)
		if len(h.watching[uid]) == 0 {
			delete(h.watching, uid)
		}
	}
	delete(h.watchers, tripID)
	h.mu.Unlock()

	h.pubMu.Lock()
	delete(h.lastVersion, tripID)
	h.pubMu.Unlock()
}

func (h *Hub) Watching(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.watching[userID])
}

func (h *Hub) Watchers(tripID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.watchers[tripID])
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// Publish delivers ev to its recipients and to every watcher of its trip.
// Offline users are skipped; a trip event older than one already delivered
// is dropped because receivers refetch on the newer one anyway.
func (h *Hub) Publish(ctx context.Context, ev models.Event) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	if ev.TripID != "" && ev.Version > 0 {
		if ev.Version < h.lastVersion[ev.TripID] {
			h.logger.Debug("dropping superseded event", "trip_id", ev.TripID, "version", ev.Version)
			return nil
		}
		h.lastVersion[ev.TripID] = ev.Version
	}

	var failed []error
	for _, s := range h.targets(ev) {
		if err := s.Send(ev); err != nil {
			observability.PushFailures.Inc()
			failed = append(failed, fmt.Errorf("user %s: %w", s.Identity.UserID, err))
			continue
		}
		observability.EventsPushed.WithLabelValues(string(ev.Type)).Inc()
	}
	if len(failed) > 0 {
		return errs.Channel("publish "+string(ev.Type), errors.Join(failed...))
	}
	return nil
}

func (h *Hub) targets(ev models.Event) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[string]struct{}, len(ev.Recipients))
	for _, u := range ev.Recipients {
		users[u] = struct{}{}
	}
	if ev.TripID != "" {
		for u := range h.watchers[ev.TripID] {
			users[u] = struct{}{}
		}
	}
	out := make([]*Session, 0, len(users))
	for _, u := range sortedKeys(users) {
		if s, ok := h.sessions[u]; ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CloseAll ends every live session. Hijacked connections are not tracked by
// http.Server, so shutdown has to close them here.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
