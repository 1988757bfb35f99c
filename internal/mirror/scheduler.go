package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/openmined/mirrorbox/internal/backend"
	"github.com/openmined/mirrorbox/internal/channel"
	"github.com/openmined/mirrorbox/internal/queue"
	"golang.org/x/sync/semaphore"
)

const maxBackoff = 30 * time.Second

// DigestMismatchError means the bytes read from the source did not hash to
// the record's declared sha256. Treated as transient: truncated or corrupted
// reads usually heal on retry.
type DigestMismatchError struct {
	Filename string
	Want     string
	Got      string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: want %s, got %s", e.Filename, e.Want, e.Got)
}

// Scheduler executes one subdir's plan under the run-wide concurrency bound.
// The semaphore is shared across all subdir schedulers, so aggregate in-flight
// transfers never exceed the global limit.
type Scheduler struct {
	source     backend.Backend
	dest       backend.Backend
	sem        *semaphore.Weighted
	workers    int
	maxRetries int
	retryBase  time.Duration
}

func NewScheduler(source, dest backend.Backend, sem *semaphore.Weighted, workers, maxRetries int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		source:     source,
		dest:       dest,
		sem:        sem,
		workers:    workers,
		maxRetries: maxRetries,
		retryBase:  500 * time.Millisecond,
	}
}

type taskResult struct {
	record   *channel.PackageRecord
	attempts int
	err      error
}

// Execute runs all copies, then (if pruning is enabled) all prunes. Prunes
// only start after every copy has reached a terminal state, so there is no
// window where an artifact is neither the old nor the new version. A single
// failed artifact never aborts its siblings.
func (s *Scheduler) Execute(ctx context.Context, plan *Plan) *SubdirResult {
	result := &SubdirResult{
		Subdir:    plan.Subdir,
		Skipped:   len(plan.ToSkip),
		Conflicts: plan.Conflicts,
	}
	if !plan.PruneEnabled {
		result.StaleKept = len(plan.Stale)
	}

	s.runCopies(ctx, plan, result)

	if plan.PruneEnabled {
		s.runPrunes(ctx, plan, result)
	}

	return result
}

func (s *Scheduler) runCopies(ctx context.Context, plan *Plan, result *SubdirResult) {
	if len(plan.ToCopy) == 0 {
		return
	}

	// smallest artifacts first: cheap copies finish early and surface
	// failures before the bulk transfers
	pq := queue.NewPriorityQueue[*channel.PackageRecord]()
	for _, rec := range plan.ToCopy {
		pq.Enqueue(rec, rec.Size)
	}
	ordered := pq.DequeueAll()

	jobs := make(chan *channel.PackageRecord, len(ordered))
	results := make(chan *taskResult, len(ordered))

	workers := s.workers
	if workers > len(ordered) {
		workers = len(ordered)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for rec := range jobs {
				// cancellation stops scheduling; tasks not yet started
				// become terminal failures
				if err := ctx.Err(); err != nil {
					results <- &taskResult{record: rec, err: err}
					continue
				}
				attempts, err := s.withRetry(ctx, func() error {
					return s.copyOnce(ctx, rec)
				})
				results <- &taskResult{record: rec, attempts: attempts, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, rec := range ordered {
			jobs <- rec
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			result.Failed = append(result.Failed, &TaskFailure{
				Filename: res.record.Filename,
				Op:       "copy",
				Attempts: res.attempts,
				Err:      res.err,
			})
			continue
		}
		result.Copied = append(result.Copied, res.record)
		result.CopiedBytes += res.record.Size
		slog.Debug("copied", "subdir", plan.Subdir, "filename", res.record.Filename, "attempts", res.attempts)
	}
}

func (s *Scheduler) runPrunes(ctx context.Context, plan *Plan, result *SubdirResult) {
	for _, filename := range plan.Stale {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, &TaskFailure{Filename: filename, Op: "prune", Err: err})
			continue
		}
		key := path.Join(plan.Subdir, filename)
		attempts, err := s.withRetry(ctx, func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			return s.dest.Delete(ctx, key)
		})
		if err != nil {
			result.Failed = append(result.Failed, &TaskFailure{Filename: filename, Op: "prune", Attempts: attempts, Err: err})
			continue
		}
		result.Pruned = append(result.Pruned, filename)
		slog.Debug("pruned", "subdir", plan.Subdir, "filename", filename)
	}
}

// copyOnce reads the artifact from the source, verifies its digest against
// the record before anything touches the destination, then writes it via the
// backend's atomic publish.
func (s *Scheduler) copyOnce(ctx context.Context, rec *channel.PackageRecord) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	key := path.Join(rec.Subdir, rec.Filename)

	body, err := s.source.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	var buf bytes.Buffer
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(&buf, h), body); err != nil {
		return fmt.Errorf("read %q: %w", key, err)
	}

	if rec.Sha256 != "" {
		digest := hex.EncodeToString(h.Sum(nil))
		if digest != rec.Sha256 {
			return &DigestMismatchError{Filename: rec.Filename, Want: rec.Sha256, Got: digest}
		}
	}

	return s.dest.Put(ctx, key, &buf, int64(buf.Len()))
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff.
// Returns the number of attempts made and the final error.
func (s *Scheduler) withRetry(ctx context.Context, fn func() error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, s.retryBase, attempt-1); err != nil {
				return attempt - 1, lastErr
			}
		}
		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return attempt, err
		}
	}
	return s.maxRetries + 1, lastErr
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, backend.ErrNotFound),
		errors.Is(err, backend.ErrReadOnlyBackend),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func sleepBackoff(ctx context.Context, base time.Duration, retry int) error {
	d := base << (retry - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	// jitter avoids retry stampedes against the same endpoint
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
