package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/lib/pq"

	"github.com/example/freight-negotiation/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so running it on each boot is safe.
func Migrate(ctx context.Context, db *sql.DB) ([]string, error) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

// PostgresWalletStore is the append-only ledger on database/sql and lib/pq.
type PostgresWalletStore struct {
	db *sql.DB
}

func NewPostgresWalletStore(dsn string) (*PostgresWalletStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresWalletStore{db: db}, nil
}

func (p *PostgresWalletStore) DB() *sql.DB { return p.db }

func (p *PostgresWalletStore) Close() error { return p.db.Close() }

func (p *PostgresWalletStore) AppendTransaction(ctx context.Context, tx models.Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, trip_id, stage, payment_percent, amount, gateway_payment_id, gateway_order_id, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, tx.UserID, tx.TripID, tx.Stage, tx.PaymentPercent, tx.Amount,
		tx.GatewayPaymentID, tx.GatewayOrderID, string(tx.Type), tx.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresWalletStore) Wallet(ctx context.Context, userID string) (models.Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trip_id, stage, payment_percent, amount, gateway_payment_id, gateway_order_id, type, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return models.Wallet{}, fmt.Errorf("wallet %s: %w", userID, err)
	}
	defer rows.Close()

	w := models.Wallet{UserID: userID, Transactions: []models.Transaction{}}
	for rows.Next() {
		tx := models.Transaction{UserID: userID}
		var typ string
		if err := rows.Scan(&tx.ID, &tx.TripID, &tx.Stage, &tx.PaymentPercent, &tx.Amount,
			&tx.GatewayPaymentID, &tx.GatewayOrderID, &typ, &tx.CreatedAt); err != nil {
			return models.Wallet{}, fmt.Errorf("wallet %s: scan: %w", userID, err)
		}
		tx.Type = models.TransactionType(typ)
		w.Transactions = append(w.Transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return models.Wallet{}, err
	}
	w.Balance = models.BalanceOf(w.Transactions)
	return w, nil
}
