package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/models"
)

// PostgresTripStore keeps each trip as a JSONB document next to the columns
// used for listing. Updates lock the row with SELECT ... FOR UPDATE so bid
// appends from competing devices serialise on the database.
type PostgresTripStore struct {
	pool *pgxpool.Pool
}

func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return pool, nil
}

func NewPostgresTripStore(pool *pgxpool.Pool) *PostgresTripStore {
	return &PostgresTripStore{pool: pool}
}

func (p *PostgresTripStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("create trip: encode: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO trips (id, consumer_id, provider_id, status, bidding_status, version, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.ConsumerID, t.ProviderID, string(t.Status), string(t.BiddingStatus), t.Version, t.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("create trip %s: %w", t.ID, err)
	}
	return nil
}

func (p *PostgresTripStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM trips WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("trip", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	return decodeTrip(doc)
}

func (p *PostgresTripStore) UpdateTrip(ctx context.Context, id string, fn func(t *models.Trip) error) (*models.Trip, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("update trip: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM trips WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("trip", id)
	}
	if err != nil {
		return nil, fmt.Errorf("update trip: lock %s: %w", id, err)
	}
	t, err := decodeTrip(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.Version++

	next, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("update trip: encode: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE trips
		SET provider_id = $2, status = $3, bidding_status = $4, version = $5, doc = $6
		WHERE id = $1
	`, id, t.ProviderID, string(t.Status), string(t.BiddingStatus), t.Version, next)
	if err != nil {
		return nil, fmt.Errorf("update trip %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("update trip: commit: %w", err)
	}
	return t, nil
}

func (p *PostgresTripStore) ListTrips(ctx context.Context, f TripFilter) ([]*models.Trip, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ConsumerID != "" {
		add("consumer_id = $%d", f.ConsumerID)
	}
	if f.ProviderID != "" {
		add("provider_id = $%d", f.ProviderID)
	}
	if f.ParticipantID != "" {
		args = append(args, f.ParticipantID)
		where = append(where, fmt.Sprintf("(consumer_id = $%d OR provider_id = $%d)", len(args), len(args)))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.BiddingStatuses) > 0 {
		add("bidding_status = ANY($%d)", toStrings(f.BiddingStatuses))
	}
	q := `SELECT doc FROM trips`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Trip, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list trips: scan: %w", err)
		}
		t, err := decodeTrip(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTrip(doc []byte) (*models.Trip, error) {
	var t models.Trip
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode trip: %w", err)
	}
	return &t, nil
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
