package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"bankfisc/internal/ledger/models"
	"bankfisc/pkg/platform/sentinel"
	txcontext "bankfisc/pkg/platform/tx"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// PostgresStore persists clients and accounts in PostgreSQL. When the context
// carries a transaction, reads lock the client row so concurrent operations on
// the same client serialize.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.Client, error) {
	q := txcontext.QuerierFrom(ctx, s.db)
	query := `SELECT cnp, monitored, version, created_at, updated_at FROM clients WHERE cnp = $1`
	if _, ok := txcontext.From(ctx); ok {
		query += ` FOR UPDATE`
	}

	var client models.Client
	var version int64
	err := q.QueryRowContext(ctx, query, id).Scan(
		&client.ID, &client.Monitored, &version, &client.CreatedAt, &client.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find client: %w", err)
	}
	client.Version = uint64(version)
	client.RON = models.Account{Currency: models.CurrencyRON, Balance: decimal.Zero}
	client.EUR = models.Account{Currency: models.CurrencyEUR, Balance: decimal.Zero}

	rows, err := q.QueryContext(ctx, `SELECT currency, balance FROM accounts WHERE client_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var currency string
		var balance decimal.Decimal
		if err := rows.Scan(&currency, &balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		client.Account(models.Currency(currency)).Balance = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return &client, nil
}

func (s *PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := txcontext.QuerierFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM clients WHERE cnp = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check client: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Create(ctx context.Context, client *models.Client) error {
	q := txcontext.QuerierFrom(ctx, s.db)
	_, err := q.ExecContext(ctx,
		`INSERT INTO clients (cnp, monitored, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		client.ID, client.Monitored, int64(client.Version), client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert client: %w", err)
	}
	for _, account := range []models.Account{client.RON, client.EUR} {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO accounts (client_id, currency, balance) VALUES ($1, $2, $3)`,
			client.ID, account.Currency.String(), account.Balance,
		); err != nil {
			return fmt.Errorf("insert %s account: %w", account.Currency, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, client *models.Client) error {
	q := txcontext.QuerierFrom(ctx, s.db)
	res, err := q.ExecContext(ctx,
		`UPDATE clients SET monitored = $2, version = $3, updated_at = $4 WHERE cnp = $1`,
		client.ID, client.Monitored, int64(client.Version), client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	for _, account := range []models.Account{client.RON, client.EUR} {
		if _, err := q.ExecContext(ctx,
			`UPDATE accounts SET balance = $3 WHERE client_id = $1 AND currency = $2`,
			client.ID, account.Currency.String(), account.Balance,
		); err != nil {
			return fmt.Errorf("update %s account: %w", account.Currency, err)
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := txcontext.QuerierFrom(ctx, s.db).ExecContext(ctx, `DELETE FROM clients WHERE cnp = $1`, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
