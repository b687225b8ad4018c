// Package lock provides Chantal's per-repository and per-publish-target
// exclusive locks, built on the teacher's locksource.ContextLock
// abstraction (a process-local Local implementation, or a distributed one
// backed by Postgres advisory locks via locksource/pglock — either works
// interchangeably here since both satisfy the same interface).
//
// Chantal layers two things locksource itself doesn't: a timeout before
// giving up (locksource.ContextLock.Lock blocks indefinitely) and a key
// namespace so repository and publish-target locks never collide even
// when the caller reuses a repository ID as a publish target name.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/locksource"
)

// Manager acquires Chantal's two lock kinds: one per repository (guarding
// concurrent syncs of the same repository) and one per publish target
// (guarding concurrent publishes to the same output tree).
type Manager struct {
	src     locksource.ContextLock
	timeout time.Duration
}

// New builds a Manager over src. A zero timeout means "wait forever",
// matching locksource.ContextLock.Lock's own contract.
func New(src locksource.ContextLock, timeout time.Duration) *Manager {
	return &Manager{src: src, timeout: timeout}
}

// Release cancels a previously acquired lock's Context.
type Release func()

// pollInterval is the spacing between TryLock attempts while bounded by
// m.timeout. locksource.ContextLock.Lock blocks on the ctx it's given, and
// that same ctx becomes the parent of the held lock's Context — so a
// timeout can't be layered on top of Lock without also bounding how long
// the lock may be held once acquired. Polling TryLock on the caller's own
// (unbounded) ctx sidesteps that: only the acquisition wait is timed, the
// hold is not.
const pollInterval = 50 * time.Millisecond

// acquire waits for key, bounded by m.timeout, returning a LockTimeout
// error if the bound expires before the lock is granted.
func (m *Manager) acquire(ctx context.Context, key string) (context.Context, Release, error) {
	deadline := time.Time{}
	if m.timeout > 0 {
		deadline = time.Now().Add(m.timeout)
	}

	for {
		lockCtx, release := m.src.TryLock(ctx, key)
		if lockCtx.Err() == nil {
			return lockCtx, Release(release), nil
		}
		release()

		if err := ctx.Err(); err != nil {
			return nil, nil, chantal.NewError("lock.acquire", chantal.KindCancelled,
				fmt.Sprintf("cancelled waiting for lock %q", key), err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, nil, chantal.NewError("lock.acquire", chantal.KindLockTimeout,
				fmt.Sprintf("timed out waiting for lock %q", key), nil)
		}
		select {
		case <-ctx.Done():
			return nil, nil, chantal.NewError("lock.acquire", chantal.KindCancelled,
				fmt.Sprintf("cancelled waiting for lock %q", key), ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Repository acquires the exclusive lock for one repository's sync, per
// spec §4.E stage 1 / §5's "per-repository exclusive advisory lock."
func (m *Manager) Repository(ctx context.Context, repositoryID string) (context.Context, Release, error) {
	return m.acquire(ctx, "repository:"+repositoryID)
}

// PublishTarget acquires the exclusive lock for one publish destination,
// preventing two concurrent Publisher runs from racing on the same
// sibling-temp-tree-then-swap sequence.
func (m *Manager) PublishTarget(ctx context.Context, target string) (context.Context, Release, error) {
	return m.acquire(ctx, "publish:"+target)
}
