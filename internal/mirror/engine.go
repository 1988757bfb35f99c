package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/openmined/mirrorbox/internal/backend"
	"github.com/openmined/mirrorbox/internal/channel"
	"github.com/openmined/mirrorbox/internal/mirror/config"
	"github.com/openmined/mirrorbox/internal/mirror/filter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrNoSubdirs means neither configuration nor probing yielded a subdir to
// mirror.
var ErrNoSubdirs = errors.New("no subdirs found to mirror")

// Engine drives a full mirror run: per subdir it filters the source records,
// diffs them against the destination, executes the transfer plan and rebuilds
// the destination index. Subdirs run in parallel; the aggregate number of
// in-flight transfers is bounded by one run-wide semaphore.
type Engine struct {
	cfg    *config.Config
	source backend.Backend
	dest   backend.Backend
	policy *filter.Policy
	sem    *semaphore.Weighted
}

// New validates wiring that must fail before any transfer: filter
// compilation and backend selection.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	policy, err := filter.NewPolicy(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, err
	}

	source, err := backend.Open(ctx, cfg.Source, cfg.S3.Source, false)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	dest, err := backend.Open(ctx, cfg.Destination, cfg.S3.Destination, true)
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}

	return NewWithBackends(cfg, source, dest, policy), nil
}

// NewWithBackends wires an engine over already-opened backends.
func NewWithBackends(cfg *config.Config, source, dest backend.Backend, policy *filter.Policy) *Engine {
	return &Engine{
		cfg:    cfg,
		source: source,
		dest:   dest,
		policy: policy,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Close releases backend resources (the local destination lock).
func (e *Engine) Close() error {
	var err error
	if c, ok := e.source.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	if c, ok := e.dest.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Run mirrors all subdirs. Per-artifact failures are isolated and reported;
// a fatal backend error (source index unreachable, destination unwritable)
// aborts the remaining subdirs.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	tstart := time.Now()

	subdirs := e.cfg.Subdirs
	if len(subdirs) == 0 {
		discovered, err := e.discoverSubdirs(ctx)
		if err != nil {
			return nil, err
		}
		subdirs = discovered
	}
	if len(subdirs) == 0 {
		return nil, ErrNoSubdirs
	}
	slog.Info("mirroring", "source", e.cfg.Source, "destination", e.cfg.Destination,
		"subdirs", subdirs, "concurrency", e.cfg.Concurrency, "prune", e.cfg.Prune, "dryRun", e.cfg.DryRun)

	report := &Report{DryRun: e.cfg.DryRun}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for _, subdir := range subdirs {
		eg.Go(func() error {
			result, err := e.mirrorSubdir(egCtx, subdir)
			if err != nil {
				return fmt.Errorf("subdir %s: %w", subdir, err)
			}
			mu.Lock()
			report.Subdirs = append(report.Subdirs, result)
			mu.Unlock()
			return nil
		})
	}

	err := eg.Wait()
	sort.Slice(report.Subdirs, func(i, j int) bool {
		return report.Subdirs[i].Subdir < report.Subdirs[j].Subdir
	})
	report.Took = time.Since(tstart)
	if err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) mirrorSubdir(ctx context.Context, subdir string) (*SubdirResult, error) {
	tstart := time.Now()

	sourceRecords, err := e.fetchIndex(ctx, e.source, subdir)
	if err != nil {
		return nil, fmt.Errorf("fetch source index: %w", err)
	}

	filtered := e.policy.Apply(sourceRecords.Records())
	for _, rec := range filtered {
		if rec.Subdir == "" {
			rec.Subdir = subdir
		}
	}

	dest, err := e.destState(ctx, subdir)
	if err != nil {
		return nil, err
	}

	plan := BuildPlan(subdir, filtered, dest, e.cfg.Prune)
	slog.Info("plan", "subdir", subdir,
		"filtered", len(filtered),
		"toCopy", len(plan.ToCopy),
		"toSkip", len(plan.ToSkip),
		"conflicts", len(plan.Conflicts),
		"stale", len(plan.Stale),
		"took", time.Since(tstart).Round(time.Millisecond),
	)

	if e.cfg.DryRun {
		result := &SubdirResult{
			Subdir:    subdir,
			Skipped:   len(plan.ToSkip),
			Conflicts: plan.Conflicts,
		}
		if !plan.PruneEnabled {
			result.StaleKept = len(plan.Stale)
		}
		for _, rec := range plan.ToCopy {
			slog.Info("would copy", "subdir", subdir, "filename", rec.Filename, "size", rec.Size)
		}
		if plan.PruneEnabled {
			for _, filename := range plan.Stale {
				slog.Info("would prune", "subdir", subdir, "filename", filename)
			}
		}
		return result, nil
	}

	scheduler := NewScheduler(e.source, e.dest, e.sem, e.cfg.Concurrency, e.cfg.MaxRetries)
	result := scheduler.Execute(ctx, plan)

	// all copy and prune tasks for this subdir are terminal; the index is
	// rebuilt from what is actually present, never from the plan alone
	records := ConfirmedRecords(plan, result, dest)
	rebuilder := NewIndexRebuilder(e.dest)
	if err := rebuilder.Rebuild(ctx, subdir, records, sourceRecords); err != nil {
		return nil, err
	}

	return result, nil
}

// fetchIndex reads and parses a subdir's repodata from a backend.
func (e *Engine) fetchIndex(ctx context.Context, b backend.Backend, subdir string) (*channel.RepoData, error) {
	rc, err := b.Get(ctx, path.Join(subdir, channel.RepodataFile))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return channel.ParseRepoData(rc)
}

// destState assembles the destination's current view: its published index
// (digest authority, absent on first sync) plus the raw artifact listing.
func (e *Engine) destState(ctx context.Context, subdir string) (*DestState, error) {
	var index *channel.RepoData
	idx, err := e.fetchIndex(ctx, e.dest, subdir)
	switch {
	case err == nil:
		index = idx
	case errors.Is(err, backend.ErrNotFound):
		// first sync into an empty destination
	default:
		return nil, fmt.Errorf("fetch destination index: %w", err)
	}

	listing, err := e.dest.List(ctx, subdir)
	if err != nil && !errors.Is(err, backend.ErrListUnsupported) {
		return nil, fmt.Errorf("list destination: %w", err)
	}

	keys := make([]string, 0, len(listing))
	for _, obj := range listing {
		keys = append(keys, obj.Key)
	}
	return NewDestState(subdir, index, keys), nil
}

// discoverSubdirs probes the source for known platform partitions carrying a
// repodata index.
func (e *Engine) discoverSubdirs(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var found []string

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, subdir := range channel.KnownSubdirs {
		eg.Go(func() error {
			exists, err := e.source.Exists(egCtx, path.Join(subdir, channel.RepodataFile))
			if err != nil {
				return fmt.Errorf("probe subdir %s: %w", subdir, err)
			}
			if exists {
				mu.Lock()
				found = append(found, subdir)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(found)
	slog.Info("discovered subdirs", "subdirs", found)
	return found, nil
}
