package testutil

import (
	"context"
	"testing"

	"github.com/PratikDhanave/feed-cdc-service/internal/store"
)

// OpenTestStore creates an in-memory SQLite store with the schema applied.
func OpenTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		st.Close()
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}
