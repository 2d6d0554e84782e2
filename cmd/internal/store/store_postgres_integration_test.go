package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PRISM_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_UpsertMergeGetRemove(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	st, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() {
		_ = st.Close()
		mustDropTestSchema(t, pool, schema)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	convID := "it-" + randomHex(6) + "_z"

	if err := st.Upsert(ctx, "conversations", convID, Document{
		"participants": []any{"a", "z"},
		"participantNames": map[string]any{
			"a": "Alice",
		},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := st.Upsert(ctx, "conversations", convID, Document{
		"lastMessage": "hi",
		"participantNames": map[string]any{
			"z": "Zed",
		},
	}); err != nil {
		t.Fatalf("merge upsert: %v", err)
	}

	doc, err := st.Get(ctx, "conversations", convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["lastMessage"] != "hi" {
		t.Fatalf("lastMessage=%v", doc["lastMessage"])
	}
	names, _ := doc["participantNames"].(map[string]any)
	if names["a"] != "Alice" || names["z"] != "Zed" {
		t.Fatalf("nested merge lost keys: %v", names)
	}

	if err := st.Remove(ctx, "conversations", convID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := st.Get(ctx, "conversations", convID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestPostgresStore_MissingIDSurfacesNotFound(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	st, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() {
		_ = st.Close()
		mustDropTestSchema(t, pool, schema)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.Mutate(ctx, "posts", "ghost", []Update{Set("x", 1)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mutate missing: expected ErrNotFound, got %v", err)
	}
	if err := st.Remove(ctx, "posts", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove missing: expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_MutateBatchVisibleAtomically(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	st, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() {
		_ = st.Close()
		mustDropTestSchema(t, pool, schema)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := st.Upsert(ctx, "posts", "p1", Document{
		"likes":   float64(0),
		"likedBy": []any{},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := st.Mutate(ctx, "posts", "p1", []Update{
		AddUnique("likedBy", "u1"),
		Inc("likes", 1),
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	doc, err := st.Get(ctx, "posts", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if likes, _ := toFloat(doc["likes"]); likes != 1 {
		t.Fatalf("likes=%v", doc["likes"])
	}
	arr, _ := doc["likedBy"].([]any)
	if len(arr) != 1 || arr[0] != "u1" {
		t.Fatalf("likedBy=%v", doc["likedBy"])
	}
}

func TestPostgresStore_CrossInstanceNotify(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	writer, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() {
		_ = writer.Close()
		mustDropTestSchema(t, pool, schema)
	})

	reader, err := NewPostgresStore(testLogger(), pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new reader store: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	updates := make(chan int, 16)
	unsub, err := reader.Subscribe(ctx, Query{Collection: "conversations"}, func(docs []Document) {
		updates <- len(docs)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if n := <-updates; n != 0 {
		t.Fatalf("initial snapshot size=%d", n)
	}

	// Give the reader's LISTEN connection a moment to come up.
	time.Sleep(500 * time.Millisecond)

	if err := writer.Upsert(ctx, "conversations", "a_b", Document{
		"participants": []any{"a", "b"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case n := <-updates:
			if n == 1 {
				return
			}
		case <-deadline:
			t.Fatalf("cross-instance notification never arrived")
		}
	}
}

// ---- test helpers ----

func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool) (*PostgresStore, string) {
	t.Helper()

	schema := "prism_it_" + randomHex(6)

	st, err := NewPostgresStore(testLogger(), pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st, schema
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PRISM_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PRISM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PRISM_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustDropTestSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
