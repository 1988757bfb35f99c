package mirror

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/mirrorbox/internal/channel"
)

// TaskFailure is one artifact that exhausted its attempts.
type TaskFailure struct {
	Filename string
	Op       string // "copy" or "prune"
	Attempts int
	Err      error
}

func (f *TaskFailure) Error() string {
	return fmt.Sprintf("%s %s (%d attempts): %v", f.Op, f.Filename, f.Attempts, f.Err)
}

// SubdirResult is the terminal outcome of one subdir's plan execution.
type SubdirResult struct {
	Subdir      string
	Copied      []*channel.PackageRecord
	CopiedBytes int64
	Skipped     int
	Conflicts   []*Conflict
	Failed      []*TaskFailure
	Pruned      []string
	// Stale artifacts left in place because pruning is disabled.
	StaleKept int
}

// Report aggregates a full run.
type Report struct {
	Subdirs []*SubdirResult
	Took    time.Duration
	DryRun  bool
}

// HasFailures reports whether any artifact failed terminally. The run is then
// "partially successful": sibling artifacts were still processed.
func (r *Report) HasFailures() bool {
	for _, sr := range r.Subdirs {
		if len(sr.Failed) > 0 {
			return true
		}
	}
	return false
}

// Log writes the per-subdir and aggregate summary.
func (r *Report) Log() {
	var copied, skipped, conflicts, failed, pruned int
	var bytes int64

	for _, sr := range r.Subdirs {
		copied += len(sr.Copied)
		skipped += sr.Skipped
		conflicts += len(sr.Conflicts)
		failed += len(sr.Failed)
		pruned += len(sr.Pruned)
		bytes += sr.CopiedBytes

		slog.Info("subdir done", "subdir", sr.Subdir,
			"copied", len(sr.Copied),
			"skipped", sr.Skipped,
			"conflicts", len(sr.Conflicts),
			"failed", len(sr.Failed),
			"pruned", len(sr.Pruned),
			"staleKept", sr.StaleKept,
		)
		for _, c := range sr.Conflicts {
			slog.Warn("digest conflict, artifact left untouched", "subdir", c.Subdir,
				"filename", c.Filename, "sourceSha", c.SourceSha, "destSha", c.DestSha)
		}
		for _, f := range sr.Failed {
			slog.Error("artifact failed", "subdir", sr.Subdir, "op", f.Op,
				"filename", f.Filename, "attempts", f.Attempts, "error", f.Err)
		}
	}

	slog.Info("mirror done",
		"took", r.Took.Round(time.Millisecond),
		"copied", copied,
		"transferred", humanize.Bytes(uint64(bytes)),
		"skipped", skipped,
		"conflicts", conflicts,
		"failed", failed,
		"pruned", pruned,
		"dryRun", r.DryRun,
	)
}
