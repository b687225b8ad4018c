package pglock

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// basicSetup connects a Locker to CHANTAL_TEST_POSTGRES_DSN, the same
// environment-gated integration convention store/postgres's own tests use:
// skip rather than fail when no live Postgres is configured, since this
// package's whole point is exercising real session-scoped advisory locks.
func basicSetup(t testing.TB) (context.Context, *Locker) {
	t.Helper()
	dsn := os.Getenv("CHANTAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHANTAL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parsing dsn: %v", err)
	}
	l, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("pglock.New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return ctx, l
}

func TestTryLockExcludesConcurrentHolder(t *testing.T) {
	ctx, l := basicSetup(t)

	lctx, unlock := l.TryLock(ctx, "chantal-test-lock")
	if err := lctx.Err(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer unlock()

	blockedCtx, cancel := l.TryLock(ctx, "chantal-test-lock")
	defer cancel()
	if blockedCtx.Err() == nil {
		t.Fatal("expected a concurrent TryLock on the same key to fail")
	}
}

func TestUnlockReleasesKeyForReacquisition(t *testing.T) {
	ctx, l := basicSetup(t)

	lctx, unlock := l.TryLock(ctx, "chantal-test-lock-2")
	if err := lctx.Err(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	unlock()

	lctx2, unlock2 := l.TryLock(ctx, "chantal-test-lock-2")
	defer unlock2()
	if err := lctx2.Err(); err != nil {
		t.Fatalf("expected to reacquire released lock, got: %v", err)
	}
}
