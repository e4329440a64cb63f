package storage

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
)

// ErrDuplicate is returned when an append-only record already exists.
var ErrDuplicate = errors.New("storage: duplicate record")

// TripFilter selects trips for the role-scoped listings. Zero fields match
// everything.
type TripFilter struct {
	ConsumerID      string
	ProviderID      string
	ParticipantID   string
	Statuses        []models.TripStatus
	BiddingStatuses []models.BiddingStatus
}

func (f TripFilter) Match(t *models.Trip) bool {
	if f.ConsumerID != "" && t.ConsumerID != f.ConsumerID {
		return false
	}
	if f.ProviderID != "" && t.ProviderID != f.ProviderID {
		return false
	}
	if f.ParticipantID != "" && t.ConsumerID != f.ParticipantID && t.ProviderID != f.ParticipantID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.BiddingStatuses) > 0 && !slices.Contains(f.BiddingStatuses, t.BiddingStatus) {
		return false
	}
	return true
}

// TripStore holds the authoritative copy of every trip.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// UpdateTrip runs fn against the current copy under the trip's lock and
	// persists the result with Version incremented. When fn fails nothing is
	// written and its error is returned unchanged.
	UpdateTrip(ctx context.Context, id string, fn func(t *models.Trip) error) (*models.Trip, error)
	ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error)
}

// WalletStore is an append-only transaction ledger per user.
type WalletStore interface {
	AppendTransaction(ctx context.Context, tx models.Transaction) error
	Wallet(ctx context.Context, userID string) (models.Wallet, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	ledgers map[string][]models.Transaction
	txIDs   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		ledgers: make(map[string][]models.Transaction),
		txIDs:   make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrDuplicate
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, errs.NotFound("trip", id)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, id string, fn func(t *models.Trip) error) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[id]
	if !ok {
		return nil, errs.NotFound("trip", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	m.trips[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trip, 0)
	for _, t := range m.trips {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, tx models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txIDs[tx.ID]; ok {
		return ErrDuplicate
	}
	m.txIDs[tx.ID] = struct{}{}
	m.ledgers[tx.UserID] = append(m.ledgers[tx.UserID], tx)
	return nil
}

func (m *MemoryStore) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := append([]models.Transaction{}, m.ledgers[userID]...)
	return models.Wallet{UserID: userID, Balance: models.BalanceOf(txs), Transactions: txs}, nil
}
