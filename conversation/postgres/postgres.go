// Package postgres implements a conversation store on a PostgreSQL table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pithecene-io/cardrelay/conversation"
)

// DefaultTable is the default table name.
const DefaultTable = "cardrelay_conversations"

// querier is the subset of *pgxpool.Pool the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store upserts one row per user.
type Store struct {
	db    querier
	pool  *pgxpool.Pool
	table string
}

// Open connects to dsn and ensures the table exists.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres store requires a DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, conversation.WrapError("init", fmt.Errorf("connect: %w", err))
	}
	s := newStore(pool, table)
	s.pool = pool
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db querier, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: table}
}

// EnsureSchema creates the table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		user_id          TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pgx.Identifier{s.table}.Sanitize()))
	if err != nil {
		return conversation.WrapError("init", fmt.Errorf("ensure schema: %w", err))
	}
	return nil
}

// Save implements conversation.Store.
func (s *Store) Save(ctx context.Context, userID, conversationID string) error {
	if userID == "" {
		return &conversation.StoreError{Kind: conversation.ErrInvalid, Op: "save", Err: errors.New("user id is empty")}
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, conversation_id, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET conversation_id = EXCLUDED.conversation_id, updated_at = now()`,
		pgx.Identifier{s.table}.Sanitize()), userID, conversationID)
	if err != nil {
		return conversation.WrapError("save", err)
	}
	return nil
}

// Lookup implements conversation.Store.
func (s *Store) Lookup(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT conversation_id FROM %s WHERE user_id = $1`,
		pgx.Identifier{s.table}.Sanitize()), userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", conversation.ErrNotFound
	}
	if err != nil {
		return "", conversation.WrapError("lookup", err)
	}
	return id, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

var _ conversation.Store = (*Store)(nil)
