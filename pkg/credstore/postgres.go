package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgxPool is the slice of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool through it.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres stores credentials in a credentials table, keyed by account id.
type Postgres struct {
	pool   pgxPool
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL DEFAULT '',
    label        TEXT NOT NULL DEFAULT '',
    account_id   TEXT NOT NULL UNIQUE,
    account_name TEXT NOT NULL,
    token        TEXT NOT NULL,
    source       TEXT NOT NULL,
    captured_at  TIMESTAMPTZ NOT NULL,
    use_count    BIGINT NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT ''
);`

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("credstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credstore: ping: %w", err)
	}

	s := &Postgres{pool: pool, logger: logger.Named("credstore")}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("credstore: ensure schema: %w", err)
	}
	return s, nil
}

// newPostgresWithPool wires an existing pool, used by tests.
func newPostgresWithPool(pool pgxPool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger.Named("credstore")}
}

func (s *Postgres) Save(ctx context.Context, cred Credential) error {
	// A re-captured token replaces the row but the account keeps its usage
	// tally; a fresh token also clears the last error.
	const q = `
INSERT INTO credentials (id, session_id, label, account_id, account_name, token, source, captured_at, use_count, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '')
ON CONFLICT (account_id) DO UPDATE SET
    session_id = EXCLUDED.session_id,
    label = EXCLUDED.label,
    account_name = EXCLUDED.account_name,
    token = EXCLUDED.token,
    source = EXCLUDED.source,
    captured_at = EXCLUDED.captured_at,
    last_error = ''`

	_, err := s.pool.Exec(ctx, q,
		cred.ID, cred.SessionID, cred.Label, cred.AccountID, cred.AccountName,
		cred.Token, string(cred.Source), cred.CapturedAt)
	if err != nil {
		return fmt.Errorf("credstore: save credential for account %s: %w", cred.AccountID, err)
	}
	s.logger.Info("credential stored",
		zap.String("account_id", cred.AccountID),
		zap.String("source", string(cred.Source)))
	return nil
}

func (s *Postgres) GetByAccountID(ctx context.Context, accountID string) (Credential, error) {
	const q = `
SELECT id, session_id, label, account_id, account_name, token, source, captured_at, use_count, last_error
FROM credentials WHERE account_id = $1`

	var cred Credential
	var source string
	err := s.pool.QueryRow(ctx, q, accountID).Scan(
		&cred.ID, &cred.SessionID, &cred.Label, &cred.AccountID, &cred.AccountName,
		&cred.Token, &source, &cred.CapturedAt, &cred.UseCount, &cred.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("credstore: get credential for account %s: %w", accountID, err)
	}
	cred.Source = Source(source)
	return cred, nil
}

func (s *Postgres) List(ctx context.Context) ([]Credential, error) {
	const q = `
SELECT id, session_id, label, account_id, account_name, token, source, captured_at, use_count, last_error
FROM credentials ORDER BY captured_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("credstore: list credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var cred Credential
		var source string
		if err := rows.Scan(&cred.ID, &cred.SessionID, &cred.Label, &cred.AccountID,
			&cred.AccountName, &cred.Token, &source, &cred.CapturedAt,
			&cred.UseCount, &cred.LastError); err != nil {
			return nil, fmt.Errorf("credstore: scan credential row: %w", err)
		}
		cred.Source = Source(source)
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() {
	s.pool.Close()
}
