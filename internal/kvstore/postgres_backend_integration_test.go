package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("formsync_records_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	ctx := context.Background()
	store := NewStore(backend, Options{Threshold: 32})
	want := map[string]any{"big": strings.Repeat("z", 500), "blob": Blob{1, 2, 3}}
	if err := store.Set(ctx, "PENDING_QUEUE_SUBMISSIONS", want); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := store.Get(ctx, "PENDING_QUEUE_SUBMISSIONS")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	keys, err := backend.Keys(ctx, "PENDING_")
	if err != nil || len(keys) != 3 {
		t.Fatalf("expected three records, got %v (%v)", keys, err)
	}
	if err := store.Remove(ctx, "PENDING_"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got, _ := store.Get(ctx, "PENDING_QUEUE_SUBMISSIONS"); got != nil {
		t.Fatalf("expected nil after remove, got %#v", got)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FORMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("FORMSYNC_TEST_POSTGRES_DSN not set")
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
		t.Logf("drop table open failed: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(table)); err != nil {
		t.Logf("drop table failed: %v", err)
	}
}
