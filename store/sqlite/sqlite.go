/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One Store type implements every persistence interface of the service.
  Multi-row effects run inside a single database transaction, so the
  invariants of the ledger hold even if the process dies mid-request.

INTERFACES IMPLEMENTED:
  pipeline.Store:     events, conversions, payouts, wallets (events.go)
  pipeline.Directory: attribution key lookup (catalog.go)
  pipeline.Catalog:   offer payout terms (catalog.go)
  catalog.Store:      brands, partners, offers, joins (catalog.go)
  outbox.Store:       pending domain events for the relay (outbox.go)

KEY TABLES:
  events:          append-only occurrence log, UNIQUE(idempotency_key)
  conversions:     one per lead/conversion event, UNIQUE(event_id)
  payouts:         one per valid conversion, UNIQUE(conversion_id)
  wallet_balances: one row per partner, credited by atomic increment
  outbox:          domain events committed with the state they describe
  brands, partners, offers, offer_joins: catalog and attribution directory

FIRST WRITE WINS:
  Inserts that must be idempotent use INSERT ... ON CONFLICT DO NOTHING and
  check RowsAffected. A conflict is a normal outcome, not an error.

COMPARE-AND-SET:
  Decisions run UPDATE conversions ... WHERE status = 'pending'. Zero rows
  affected means another decision got there first.

CONCURRENCY:
  A single open connection serializes writers (and keeps ":memory:"
  databases shared across goroutines). The RWMutex mirrors that for
  readers. Nothing inside a transaction calls back into a locking method.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/matchpay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := pipeline.NewService(store, store, store)

SEE ALSO:
  - pipeline/store.go: Store contracts
  - pipeline/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matchpay/payout-engine/pipeline"
)

// timeLayout is fixed width so lexical order is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Catalog
	CREATE TABLE IF NOT EXISTS brands (
		brand_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		website TEXT,
		payout_sla_days INTEGER NOT NULL DEFAULT 14,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS partners (
		partner_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		display_name TEXT,
		niche_tags TEXT NOT NULL DEFAULT '[]',
		channels TEXT NOT NULL DEFAULT '[]',
		country TEXT,
		language TEXT,
		methods TEXT NOT NULL DEFAULT '[]',
		portfolio TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		offer_id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL REFERENCES brands(brand_id),
		name TEXT NOT NULL,
		conversion_type TEXT NOT NULL,
		payout_type TEXT NOT NULL,
		payout_amount INTEGER NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		validation_rules TEXT NOT NULL,
		assets TEXT,
		landing_url TEXT,
		allowed_channels TEXT,
		geo TEXT,
		attribution_window_days INTEGER NOT NULL DEFAULT 7,
		join_mode TEXT NOT NULL DEFAULT 'auto',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offers_status_created
		ON offers(status, created_at DESC);

	-- Attribution directory
	CREATE TABLE IF NOT EXISTS offer_joins (
		join_id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL REFERENCES offers(offer_id),
		partner_id TEXT NOT NULL REFERENCES partners(partner_id),
		status TEXT NOT NULL,
		attribution_key TEXT NOT NULL UNIQUE,
		coupon_code TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Event log (append-only)
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		attribution_key TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_attribution
		ON events(attribution_key, created_at);

	-- Conversion ledger
	CREATE TABLE IF NOT EXISTS conversions (
		conversion_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE REFERENCES events(event_id),
		offer_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		amount INTEGER,
		currency TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_partner_status
		ON conversions(partner_id, status);

	-- Payouts (one per valid conversion)
	CREATE TABLE IF NOT EXISTS payouts (
		payout_id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		brand_id TEXT NOT NULL,
		conversion_id TEXT NOT NULL UNIQUE REFERENCES conversions(conversion_id),
		amount INTEGER NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_partner_created
		ON payouts(partner_id, created_at DESC);

	-- Wallets
	CREATE TABLE IF NOT EXISTS wallet_balances (
		partner_id TEXT PRIMARY KEY,
		available INTEGER NOT NULL DEFAULT 0,
		pending INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		updated_at TEXT NOT NULL
	);

	-- Transactional outbox
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox(created_at) WHERE sent_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, "reset", func(tx *sql.Tx) error {
		for _, table := range []string{
			"outbox", "payouts", "wallet_balances", "conversions", "events",
			"offer_joins", "offers", "partners", "brands",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// withTx runs fn in a database transaction. Callers hold s.mu. Errors that
// are not already domain errors are wrapped as pipeline.StorageError.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.Storage(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return storageErr(op, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return pipeline.Storage(op, err)
	}
	return nil
}

// Helper functions

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// storageErr passes domain errors through and wraps everything else.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, pipeline.ErrConflict),
		errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, pipeline.ErrStorage):
		return err
	}
	return pipeline.Storage(op, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	return string(b), err
}

func encodeOptionalList(items []string) (sql.NullString, error) {
	if items == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeList(items)
	return sql.NullString{String: s, Valid: true}, err
}

func decodeList(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil
	}
	return items
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
