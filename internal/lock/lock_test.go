package lock

import (
	"context"
	"testing"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/locksource"
)

func TestRepositoryLockExcludesConcurrentAcquire(t *testing.T) {
	m := New(&locksource.Local{}, 200*time.Millisecond)
	ctx := context.Background()

	_, release1, err := m.Repository(ctx, "baseos")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, _, err = m.Repository(ctx, "baseos")
	if chantal.KindOf(err) != chantal.KindLockTimeout {
		t.Fatalf("expected KindLockTimeout while lock held, got %v", err)
	}

	release1()

	_, release2, err := m.Repository(ctx, "baseos")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestRepositoryAndPublishTargetLocksAreIndependent(t *testing.T) {
	m := New(&locksource.Local{}, 200*time.Millisecond)
	ctx := context.Background()

	_, releaseRepo, err := m.Repository(ctx, "baseos")
	if err != nil {
		t.Fatalf("repository acquire: %v", err)
	}
	defer releaseRepo()

	_, releasePub, err := m.PublishTarget(ctx, "baseos")
	if err != nil {
		t.Fatalf("publish target acquire with the same name should not collide: %v", err)
	}
	releasePub()
}

func TestAcquireRespectsCancellation(t *testing.T) {
	m := New(&locksource.Local{}, 0)
	ctx := context.Background()

	_, release1, err := m.Repository(ctx, "baseos")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release1()

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = m.Repository(cctx, "baseos")
	if chantal.KindOf(err) != chantal.KindCancelled {
		t.Fatalf("expected KindCancelled, got %v", err)
	}
}
