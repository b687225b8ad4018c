// Package syncer implements Chantal's per-repository sync pipeline
// (spec.md §4.E): acquire a lock, parse upstream metadata, filter the
// candidate set, download and dedup surviving payloads, and replace the
// repository's Store membership atomically.
//
// Grounded on the teacher's libindex.Libindex.Index (lock → delegate →
// report) generalized from "index one manifest" to "sync one repository
// through a six-stage filter pipeline", with the filter stages themselves
// modeled on indexer's layer-by-layer Distribution/Package/Repository
// scanning (one pass per concern, never one God-function).
package syncer

import (
	"context"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/slauger/chantal"
	"github.com/slauger/chantal/config"
	"github.com/slauger/chantal/download"
	"github.com/slauger/chantal/ecosystem"
	"github.com/slauger/chantal/internal/lock"
	"github.com/slauger/chantal/pool"
	"github.com/slauger/chantal/store"
	chantallog "github.com/slauger/chantal/toolkit/log"
)

// Syncer drives one repository's sync pipeline end to end.
type Syncer struct {
	store store.Store
	pool  *pool.Pool
	locks *lock.Manager
}

// New builds a Syncer over the given Store, Pool, and lock Manager.
func New(st store.Store, p *pool.Pool, locks *lock.Manager) *Syncer {
	return &Syncer{store: st, pool: p, locks: locks}
}

// Sync runs the full pipeline for one repository and returns its
// SyncHistory record. The record is appended to the Store regardless of
// outcome (success, partial, or failure) except when the lock itself
// cannot be acquired, in which case no history is recorded — nothing
// about this repository's state changed.
func (s *Syncer) Sync(ctx context.Context, repo config.Repository) (chantal.SyncHistory, error) {
	return s.SyncWithGlobal(ctx, repo, config.Global{})
}

// SyncWithGlobal is Sync with an explicit Global, for repository-level
// proxy settings that fall back to a global one.
func (s *Syncer) SyncWithGlobal(ctx context.Context, repo config.Repository, global config.Global) (chantal.SyncHistory, error) {
	lockCtx, release, err := s.locks.Repository(ctx, repo.ID)
	if err != nil {
		return chantal.SyncHistory{}, err
	}
	defer release()
	lockCtx = chantallog.WithRepository(lockCtx, repo.ID, string(repo.Type))

	history := chantal.SyncHistory{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		StartedAt:    time.Now(),
	}

	if err := s.ensureRepository(lockCtx, repo); err != nil {
		return s.fail(lockCtx, history, err)
	}

	if repo.Mode == chantal.ModeHosted {
		// No upstream: membership only grows out-of-band, nothing to do here.
		return s.succeed(lockCtx, history)
	}

	eco, ok := ecosystem.Lookup(repo.Type)
	if !ok {
		return s.fail(lockCtx, history, chantal.NewError("syncer.Sync", chantal.KindConfig,
			fmt.Sprintf("no ecosystem registered for %q", repo.Type), nil))
	}

	dl, err := download.New(repo.DownloadConfig(global))
	if err != nil {
		return s.fail(lockCtx, history, err)
	}

	fetch := newPoolFetcher(dl, s.pool, repo.Feed)
	parsed, err := eco.Parser.Parse(lockCtx, repo.ToChantal(), fetch)
	if err != nil {
		return s.fail(lockCtx, history, err)
	}

	fileDigests := make([]chantal.Digest, 0, len(parsed.Files))
	for _, rf := range parsed.Files {
		if _, err := s.store.PutRepositoryFile(lockCtx, rf); err != nil {
			return s.fail(lockCtx, history, err)
		}
		fileDigests = append(fileDigests, rf.SHA256)
	}

	history.Discovered = len(parsed.Candidates)

	filtered, err := applyFilters(repo.Type, repo.Mode, repo.Filters, parsed.Candidates)
	if err != nil {
		return s.fail(lockCtx, history, err)
	}

	itemDigests, err := s.downloadAll(lockCtx, dl, repo, global, filtered, &history)
	if err != nil {
		if lockCtx.Err() != nil {
			return s.fail(lockCtx, history, chantal.NewError("syncer.Sync", chantal.KindCancelled, "cancelled mid-sync", err))
		}
		return s.fail(lockCtx, history, err)
	}

	if err := s.store.ReplaceMembership(lockCtx, repo.ID, itemDigests, fileDigests); err != nil {
		return s.fail(lockCtx, history, err)
	}

	if history.Failed > 0 {
		history.Status = chantal.SyncPartial
	}
	return s.succeed(lockCtx, history)
}

// CheckStatus classifies the outcome of a CheckUpdates call.
type CheckStatus string

const (
	CheckUpToDate CheckStatus = "up-to-date"
	CheckChanged  CheckStatus = "changed"
	CheckError    CheckStatus = "error"
)

// CheckResult is the outcome of CheckUpdates for one repository: whether
// upstream has moved since the last sync, without downloading any payload.
type CheckResult struct {
	RepositoryID string
	Status       CheckStatus
	Changed      int
	Err          error
}

// CheckUpdates parses repo's upstream metadata and runs it through the same
// filter pipeline Sync uses, but never touches the Download Manager for
// payloads and never mutates the Store — it only compares the resulting
// candidates' (name, version, architecture) against what ListMembers
// already has on file. This is check_updates(repository_id | all) from
// spec.md §6. Changed counts candidates not already on file; current
// members that no longer appear upstream are not counted.
func (s *Syncer) CheckUpdates(ctx context.Context, repo config.Repository) CheckResult {
	return s.CheckUpdatesWithGlobal(ctx, repo, config.Global{})
}

// CheckUpdatesWithGlobal is CheckUpdates with an explicit Global, mirroring
// SyncWithGlobal.
func (s *Syncer) CheckUpdatesWithGlobal(ctx context.Context, repo config.Repository, global config.Global) CheckResult {
	result := CheckResult{RepositoryID: repo.ID}

	if repo.Mode == chantal.ModeHosted {
		result.Status = CheckUpToDate
		return result
	}

	eco, ok := ecosystem.Lookup(repo.Type)
	if !ok {
		result.Status = CheckError
		result.Err = chantal.NewError("syncer.CheckUpdates", chantal.KindConfig,
			fmt.Sprintf("no ecosystem registered for %q", repo.Type), nil)
		return result
	}

	dl, err := download.New(repo.DownloadConfig(global))
	if err != nil {
		result.Status = CheckError
		result.Err = err
		return result
	}

	fetch := newPoolFetcher(dl, s.pool, repo.Feed)
	parsed, err := eco.Parser.Parse(ctx, repo.ToChantal(), fetch)
	if err != nil {
		result.Status = CheckError
		result.Err = err
		return result
	}

	filtered, err := applyFilters(repo.Type, repo.Mode, repo.Filters, parsed.Candidates)
	if err != nil {
		result.Status = CheckError
		result.Err = err
		return result
	}

	known := make(map[string]bool)
	if items, _, err := s.store.ListMembers(ctx, repo.ID); err == nil {
		for _, item := range items {
			known[item.Name+"/"+item.Version+"/"+item.Architecture] = true
		}
	}

	for _, cand := range filtered {
		if !known[cand.Name+"/"+cand.Version+"/"+cand.Architecture] {
			result.Changed++
		}
	}

	if result.Changed > 0 {
		result.Status = CheckChanged
	} else {
		result.Status = CheckUpToDate
	}
	return result
}

// downloadAll fans candidates out across repo.ResolvedDownloadWorkers(global)
// concurrent ensureContent calls (spec.md §5's bounded-fan-out requirement
// and §6's download.workers option), the same errgroup+semaphore.Weighted
// shape reconciler.verifyConcurrently uses for bounded blob verification.
// history's counters and the returned digest slice are accumulated under
// mu since every worker goroutine writes them.
func (s *Syncer) downloadAll(ctx context.Context, dl *download.Manager, repo config.Repository, global config.Global, filtered []ecosystem.Candidate, history *chantal.SyncHistory) ([]chantal.Digest, error) {
	workers := int64(repo.ResolvedDownloadWorkers(global))
	sem := semaphore.NewWeighted(workers)

	var mu sync.Mutex
	itemDigests := make([]chantal.Digest, 0, len(filtered))

	g, gctx := errgroup.WithContext(ctx)
	for _, cand := range filtered {
		cand := cand
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			digest, size, created, err := s.ensureContent(gctx, dl, repo.Feed, cand)
			if err != nil {
				if chantal.IsItemLevel(err) {
					mu.Lock()
					history.Failed++
					mu.Unlock()
					return nil
				}
				return err
			}

			item := chantal.ContentItem{
				SHA256:       digest,
				Filename:     path.Base(cand.PayloadURL),
				SizeBytes:    size,
				ContentType:  repo.Type,
				Name:         cand.Name,
				Version:      cand.Version,
				Architecture: cand.Architecture,
				Metadata:     cand.Metadata,
			}
			if _, err := s.store.PutContentItem(gctx, item); err != nil {
				return err
			}

			mu.Lock()
			itemDigests = append(itemDigests, digest)
			if created {
				history.Downloaded++
				history.Bytes += size
			} else {
				history.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return itemDigests, nil
}

// ensureContent makes sure cand's payload is present in the pool,
// returning its digest, size, and whether this call downloaded it (false
// means it deduped against an already-present blob).
//
// When cand.LegacySHA1 is set (APK's APKINDEX-declared checksum), the
// downloaded body is teed through a sha1.Hash alongside the sha256 Put
// already computes; a mismatch is a StaleIndex warning, never a failure —
// the mirrored sha256 is what identity and dedup actually rely on.
func (s *Syncer) ensureContent(ctx context.Context, dl *download.Manager, feed string, cand ecosystem.Candidate) (digest chantal.Digest, size int64, created bool, err error) {
	if cand.ExpectedSHA256.String() != "" {
		has, herr := s.pool.Has(pool.Content, cand.ExpectedSHA256)
		if herr == nil && has {
			sz, serr := s.pool.Stat(pool.Content, cand.ExpectedSHA256)
			if serr != nil {
				return chantal.Digest{}, 0, false, serr
			}
			return cand.ExpectedSHA256, sz, false, nil
		}
	}

	u := resolveURL(feed, cand.PayloadURL)
	res, err := dl.Get(ctx, u, nil)
	if err != nil {
		return chantal.Digest{}, 0, false, err
	}
	defer res.Body.Close()

	var legacy hash.Hash
	var body io.Reader = res.Body
	if cand.LegacySHA1.String() != "" {
		legacy = cand.LegacySHA1.Hash()
		body = io.TeeReader(res.Body, legacy)
	}

	got, n, err := s.pool.Put(ctx, pool.Content, body, cand.ExpectedSHA256)
	if err != nil {
		return chantal.Digest{}, 0, false, err
	}

	if legacy != nil {
		if gotLegacy, derr := chantal.NewDigest(chantal.SHA1, legacy.Sum(nil)); derr == nil && gotLegacy.String() != cand.LegacySHA1.String() {
			staleErr := chantal.NewError("syncer.ensureContent", chantal.KindStaleIndex,
				fmt.Sprintf("%s %s: downloaded sha1 %s does not match APKINDEX legacy checksum %s", cand.Name, cand.Version, gotLegacy, cand.LegacySHA1), nil)
			slog.WarnContext(ctx, "apk legacy checksum stale", "error", staleErr)
		}
	}

	return got, n, true, nil
}

// ensureRepository materializes repo in the Store on first sync (spec.md
// §3 "materialized on first sync after appearing in config"), or leaves an
// already-materialized row alone beyond updating its mutable fields.
func (s *Syncer) ensureRepository(ctx context.Context, repo config.Repository) error {
	existing, err := s.store.GetRepository(ctx, repo.ID)
	switch {
	case err == nil:
		existing.Name = repo.Name
		existing.Feed = repo.Feed
		existing.Enabled = repo.Enabled
		existing.Mode = repo.Mode
		existing.Attrs = repo.Attrs
		return s.store.UpdateRepository(ctx, existing)
	case chantal.KindOf(err) == chantal.KindConfig:
		return s.store.CreateRepository(ctx, repo.ToChantal())
	default:
		return err
	}
}

func (s *Syncer) fail(ctx context.Context, h chantal.SyncHistory, cause error) (chantal.SyncHistory, error) {
	h.FinishedAt = time.Now()
	h.Status = chantal.SyncFailed
	h.ErrorSummary = cause.Error()
	slog.ErrorContext(ctx, "sync failed", "error", cause)
	if err := s.store.AppendSyncHistory(ctx, h); err != nil {
		return h, err
	}
	return h, cause
}

func (s *Syncer) succeed(ctx context.Context, h chantal.SyncHistory) (chantal.SyncHistory, error) {
	h.FinishedAt = time.Now()
	if h.Status == "" {
		h.Status = chantal.SyncSuccess
	}
	slog.InfoContext(ctx, "sync finished", "status", h.Status,
		"downloaded", h.Downloaded, "skipped", h.Skipped, "failed", h.Failed)
	if err := s.store.AppendSyncHistory(ctx, h); err != nil {
		return h, err
	}
	if repo, err := s.store.GetRepository(ctx, h.RepositoryID); err == nil {
		repo.LastSyncAt = h.FinishedAt
		_ = s.store.UpdateRepository(ctx, repo)
	}
	return h, nil
}
