// Package timer tracks the bidding window of every trip whose negotiation is
// open. Remaining time is always computed from the window metadata and the
// clock; the only running task per window is the one-shot expiry timer.
package timer

import (
	"sync"
	"time"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/observability"
)

type Window struct {
	TripID    string        `json:"tripId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

func (w Window) Deadline() time.Time { return w.StartedAt.Add(w.Duration) }

// Remaining is max(0, startedAt+duration-now).
func (w Window) Remaining(now time.Time) time.Duration {
	r := w.Deadline().Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

func (w Window) Expired(now time.Time) bool { return w.Remaining(now) == 0 }

type callback struct {
	id uint64
	fn func(Window)
}

type entry struct {
	window    Window
	timer     Stopper
	callbacks []callback
	fired     bool
}

type Service struct {
	mu      sync.Mutex
	clock   Clock
	windows map[string]*entry
	nextID  uint64
}

func NewService(clock Clock) *Service {
	if clock == nil {
		clock = RealClock()
	}
	return &Service{clock: clock, windows: make(map[string]*entry)}
}

func (s *Service) Now() time.Time { return s.clock.Now() }

// StartWindow schedules expiry for tripID. Starting an already tracked
// window returns the existing one and false; no second timer is created.
// startedAt may lie in the past when re-arming a window after a restart.
func (s *Service) StartWindow(tripID string, startedAt time.Time, d time.Duration) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.windows[tripID]; ok {
		return e.window, false
	}
	e := &entry{window: Window{TripID: tripID, StartedAt: startedAt, Duration: d}}
	s.windows[tripID] = e
	e.timer = s.clock.AfterFunc(e.window.Remaining(s.clock.Now()), func() { s.expire(tripID, e) })
	observability.ActiveWindows.Inc()
	return e.window, true
}

func (s *Service) expire(tripID string, e *entry) {
	s.mu.Lock()
	if s.windows[tripID] != e || e.fired {
		s.mu.Unlock()
		return
	}
	e.fired = true
	cbs := e.callbacks
	e.callbacks = nil
	w := e.window
	s.mu.Unlock()

	observability.ActiveWindows.Dec()
	observability.WindowsExpired.Inc()
	for _, cb := range cbs {
		cb.fn(w)
	}
}

// Window returns the tracked window for tripID.
func (s *Service) Window(tripID string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.windows[tripID]
	if !ok {
		return Window{}, false
	}
	return e.window, true
}

// Remaining is evaluated on demand; repeated reads never shift the deadline.
func (s *Service) Remaining(tripID string) (time.Duration, bool) {
	w, ok := s.Window(tripID)
	if !ok {
		return 0, false
	}
	return w.Remaining(s.clock.Now()), true
}

// OnExpire registers cb to run at most once when the window closes. If the
// window already expired cb runs immediately. The returned func unregisters.
func (s *Service) OnExpire(tripID string, cb func(Window)) (func(), error) {
	s.mu.Lock()
	e, ok := s.windows[tripID]
	if !ok {
		s.mu.Unlock()
		return nil, errs.NotFound("bidding window", tripID)
	}
	if e.fired {
		w := e.window
		s.mu.Unlock()
		cb(w)
		return func() {}, nil
	}
	s.nextID++
	id := s.nextID
	e.callbacks = append(e.callbacks, callback{id: id, fn: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range e.callbacks {
			if c.id == id {
				e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
				return
			}
		}
	}, nil
}

// Stop cancels the expiry task and forgets the window. It reports whether a
// window was tracked.
func (s *Service) Stop(tripID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.windows[tripID]
	if !ok {
		return false
	}
	if !e.fired {
		e.timer.Stop()
		e.callbacks = nil
		observability.ActiveWindows.Dec()
	}
	delete(s.windows, tripID)
	return true
}
