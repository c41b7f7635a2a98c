package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "relaywoot_state"
	postgresOperationTimeout = 5 * time.Second
)

const (
	postgresCreateTable = `
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			next_seq BIGINT NOT NULL,
			checkpoint JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)`
	postgresSelectCheckpoint = `SELECT checkpoint FROM %s WHERE state_key = $1`
	// An older checkpoint never replaces a newer one written by another
	// process sharing the key.
	postgresUpsertCheckpoint = `
		INSERT INTO %[1]s (state_key, site_id, next_seq, checkpoint, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (state_key) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			next_seq = EXCLUDED.next_seq,
			checkpoint = EXCLUDED.checkpoint,
			saved_at = EXCLUDED.saved_at
		WHERE %[1]s.next_seq <= EXCLUDED.next_seq`
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend keeps one checkpoint row per state key.
type PostgresStateBackend struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, key, err := splitStateKey(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStateBackend{
		dsn:       connDSN,
		tableName: postgresStateTableName,
		stateKey:  key,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load(ctx context.Context) (*Checkpoint, error) {
	if b == nil {
		return nil, nil
	}
	ctx, cancel := postgresContext(ctx)
	defer cancel()
	db, err := b.ready(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, b.statement(postgresSelectCheckpoint), b.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", b.stateKey, err)
	}
	var state Checkpoint
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", b.stateKey, err)
	}
	return &state, nil
}

func (b *PostgresStateBackend) Save(ctx context.Context, state *Checkpoint) error {
	if b == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := postgresContext(ctx)
	defer cancel()
	db, err := b.ready(ctx)
	if err != nil {
		return err
	}
	savedAt := state.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, b.statement(postgresUpsertCheckpoint),
		b.stateKey, state.Snapshot.SiteID, state.NextSeq, string(payload), savedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", b.stateKey, err)
	}
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// ready opens the pool and creates the table on first use. A failed attempt
// is retried by the next call.
func (b *PostgresStateBackend) ready(ctx context.Context) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres state: %w", err)
	}
	if _, err := db.ExecContext(ctx, b.statement(postgresCreateTable)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	b.db = db
	return db, nil
}

func (b *PostgresStateBackend) statement(format string) string {
	return fmt.Sprintf(format, postgresQuoteIdentifier(b.tableName))
}

// postgresContext bounds ctx by the operation timeout unless the caller
// already set a deadline.
func postgresContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
