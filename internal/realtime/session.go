package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-negotiation/internal/models"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueue bounds the events buffered for one session. A session that
	// falls this far behind is closed so it resyncs on reconnect.
	sendQueue = 64
)

var (
	ErrSessionClosed = errors.New("realtime: session closed")
	ErrSlowConsumer  = errors.New("realtime: send queue full")
)

// Frame is an inbound message from a connected party.
type Frame struct {
	Type      string  `json:"type"`
	TripID    string  `json:"tripId,omitempty"`
	UserID    string  `json:"userId,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

const (
	FrameSubscribe       = "subscribe"
	FrameUnsubscribe     = "unsubscribe"
	FrameSaveLocation    = "saveLocation"
	FrameGetUserLocation = "getUserLocation"
)

// Session represents one live push connection. Events are queued by Send
// and written by the session's own writer, so a stalled peer never blocks
// the publisher.
type Session struct {
	Identity Identity
	conn     *websocket.Conn
	out      chan models.Event
	mu       sync.Mutex // serialises data frames and pings
	once     sync.Once
	done     chan struct{}
}

func newSession(id Identity, conn *websocket.Conn) *Session {
	return &Session{Identity: id, conn: conn, out: make(chan models.Event, sendQueue), done: make(chan struct{})}
}

// Send queues ev without blocking. When the queue is full the session is
// closed and ErrSlowConsumer returned.
func (s *Session) Send(ev models.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- ev:
		return nil
	default:
		go s.Close(websocket.CloseTryAgainLater, "send queue full")
		return ErrSlowConsumer
	}
}

// writeLoop drains the queue until the session closes or a write fails.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			if err := s.write(ev); err != nil {
				s.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		}
	}
}

func (s *Session) write(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *Session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a close frame and tears the connection down. Only the first
// call has any effect.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }
