package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("relaywoot_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = Close(backend)
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	assertRoundTrip(t, backend, 5)

	updated := sampleCheckpoint(40)
	if err := backend.Save(context.Background(), updated); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	loaded, err := backend.Load(context.Background())
	if err != nil {
		t.Fatalf("load after upsert failed: %v", err)
	}
	if loaded.NextSeq != 41 {
		t.Fatalf("expected upserted nextSeq 41, got %d", loaded.NextSeq)
	}

	if err := backend.Save(context.Background(), sampleCheckpoint(2)); err != nil {
		t.Fatalf("stale save failed: %v", err)
	}
	kept, err := backend.Load(context.Background())
	if err != nil {
		t.Fatalf("load after stale save failed: %v", err)
	}
	if kept.NextSeq != 41 {
		t.Fatalf("expected older checkpoint to be ignored, got nextSeq %d", kept.NextSeq)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYWOOT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYWOOT_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("open postgres for cleanup: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(table)); err != nil {
		t.Logf("drop table %s: %v", table, err)
	}
}
