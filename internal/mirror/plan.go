package mirror

import (
	"path"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/mirrorbox/internal/channel"
)

// Conflict is a filename present at the destination with a digest differing
// from the filtered source record. Never auto-resolved: the artifact is not
// copied and the rebuilt index keeps the destination's existing record.
type Conflict struct {
	Subdir     string
	Filename   string
	SourceSha  string
	DestSha    string
	DestRecord *channel.PackageRecord
}

// Plan is the per-subdir transfer decision. All slices are sorted by
// filename, so identical inputs produce byte-identical plans regardless of
// listing enumeration order.
type Plan struct {
	Subdir    string
	ToCopy    []*channel.PackageRecord
	ToSkip    []*channel.PackageRecord
	Conflicts []*Conflict
	// Stale are destination artifacts absent from the filtered source set.
	// They are deleted only when pruning is enabled, and only after all
	// copies for the subdir are terminal.
	Stale []string

	PruneEnabled bool
}

// DestState is the destination's current view of one subdir: the records its
// published index knows about, and the artifact files physically present.
type DestState struct {
	// Records by filename, from the destination's existing index. Digest
	// authority for conflict detection.
	Records map[string]*channel.PackageRecord
	// Present filenames from the raw object listing.
	Present mapset.Set[string]
}

// NewDestState builds destination state from a parsed index (may be nil) and
// an object listing restricted to package artifacts.
func NewDestState(subdir string, index *channel.RepoData, listing []string) *DestState {
	st := &DestState{
		Records: make(map[string]*channel.PackageRecord),
		Present: mapset.NewThreadUnsafeSet[string](),
	}
	if index != nil {
		for _, rec := range index.Records() {
			st.Records[rec.Filename] = rec
		}
	}
	for _, key := range listing {
		filename := path.Base(key)
		if channel.IsPackageFile(filename) {
			st.Present.Add(filename)
		}
	}
	return st
}

// BuildPlan diffs the filtered source set against the destination state.
//
// Source record present at destination with equal digest: skip. Differing
// digest: conflict, excluded from transfer. Absent, or present but untracked
// by the destination index: copy (the atomic put replaces untracked bytes
// safely). Destination artifacts with no filtered source record: stale.
func BuildPlan(subdir string, source []*channel.PackageRecord, dest *DestState, pruneEnabled bool) *Plan {
	plan := &Plan{Subdir: subdir, PruneEnabled: pruneEnabled}

	wanted := mapset.NewThreadUnsafeSet[string]()
	for _, rec := range source {
		wanted.Add(rec.Filename)

		existing, tracked := dest.Records[rec.Filename]
		present := dest.Present.Contains(rec.Filename)

		switch {
		case present && tracked:
			if existing.Sha256 == rec.Sha256 {
				plan.ToSkip = append(plan.ToSkip, rec)
			} else {
				plan.Conflicts = append(plan.Conflicts, &Conflict{
					Subdir:     subdir,
					Filename:   rec.Filename,
					SourceSha:  rec.Sha256,
					DestSha:    existing.Sha256,
					DestRecord: existing,
				})
			}
		default:
			// absent, or present but unknown to the destination index
			plan.ToCopy = append(plan.ToCopy, rec)
		}
	}

	plan.Stale = dest.Present.Difference(wanted).ToSlice()

	sort.Slice(plan.ToCopy, func(i, j int) bool { return plan.ToCopy[i].Filename < plan.ToCopy[j].Filename })
	sort.Slice(plan.ToSkip, func(i, j int) bool { return plan.ToSkip[i].Filename < plan.ToSkip[j].Filename })
	sort.Slice(plan.Conflicts, func(i, j int) bool { return plan.Conflicts[i].Filename < plan.Conflicts[j].Filename })
	sort.Strings(plan.Stale)

	return plan
}
