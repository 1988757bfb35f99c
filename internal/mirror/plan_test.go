package mirror

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/openmined/mirrorbox/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(name, version, sha string) *channel.PackageRecord {
	return &channel.PackageRecord{
		Name:     name,
		Version:  version,
		Build:    "py310_0",
		Subdir:   "linux-64",
		Filename: fmt.Sprintf("%s-%s-py310_0.conda", name, version),
		Sha256:   sha,
		Size:     int64(len(name) * 100),
	}
}

func destIndex(records ...*channel.PackageRecord) *channel.RepoData {
	return channel.BuildRepoData("linux-64", records, nil)
}

func TestBuildPlanFreshDestination(t *testing.T) {
	source := []*channel.PackageRecord{
		rec("numpy", "1.26.0", "aaa"),
		rec("pandas", "2.1.0", "bbb"),
	}
	dest := NewDestState("linux-64", nil, nil)

	plan := BuildPlan("linux-64", source, dest, false)

	require.Len(t, plan.ToCopy, 2)
	assert.Empty(t, plan.ToSkip)
	assert.Empty(t, plan.Conflicts)
	assert.Empty(t, plan.Stale)
	assert.Equal(t, "numpy-1.26.0-py310_0.conda", plan.ToCopy[0].Filename)
	assert.Equal(t, "pandas-2.1.0-py310_0.conda", plan.ToCopy[1].Filename)
}

func TestBuildPlanSkipsMatchingDigest(t *testing.T) {
	a := rec("numpy", "1.26.0", "aaa")
	source := []*channel.PackageRecord{a, rec("pandas", "2.1.0", "bbb")}

	dest := NewDestState("linux-64", destIndex(a), []string{"linux-64/" + a.Filename})

	plan := BuildPlan("linux-64", source, dest, false)

	require.Len(t, plan.ToSkip, 1)
	assert.Equal(t, a.Filename, plan.ToSkip[0].Filename)
	require.Len(t, plan.ToCopy, 1)
	assert.Equal(t, "pandas-2.1.0-py310_0.conda", plan.ToCopy[0].Filename)
}

func TestBuildPlanConflictOnDigestMismatch(t *testing.T) {
	srcRec := rec("numpy", "1.26.0", "aaa")
	dstRec := rec("numpy", "1.26.0", "zzz")
	source := []*channel.PackageRecord{srcRec}

	dest := NewDestState("linux-64", destIndex(dstRec), []string{"linux-64/" + dstRec.Filename})

	plan := BuildPlan("linux-64", source, dest, false)

	assert.Empty(t, plan.ToCopy)
	assert.Empty(t, plan.ToSkip)
	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, srcRec.Filename, c.Filename)
	assert.Equal(t, "aaa", c.SourceSha)
	assert.Equal(t, "zzz", c.DestSha)
	assert.Same(t, c.DestRecord, plan.Conflicts[0].DestRecord)
}

func TestBuildPlanRecopiesUntrackedObject(t *testing.T) {
	// artifact bytes exist at the destination but its index does not know
	// them; the atomic put makes a re-copy safe
	a := rec("numpy", "1.26.0", "aaa")
	dest := NewDestState("linux-64", nil, []string{"linux-64/" + a.Filename})

	plan := BuildPlan("linux-64", []*channel.PackageRecord{a}, dest, false)

	require.Len(t, plan.ToCopy, 1)
	assert.Empty(t, plan.Conflicts)
}

func TestBuildPlanStaleDetection(t *testing.T) {
	a := rec("numpy", "1.26.0", "aaa")
	old := rec("oldpkg", "0.1.0", "ccc")

	dest := NewDestState("linux-64", destIndex(a, old), []string{
		"linux-64/" + a.Filename,
		"linux-64/" + old.Filename,
	})

	// oldpkg is filtered out of the source set
	plan := BuildPlan("linux-64", []*channel.PackageRecord{a}, dest, false)

	require.Len(t, plan.ToSkip, 1)
	require.Len(t, plan.Stale, 1)
	assert.Equal(t, old.Filename, plan.Stale[0])
	assert.False(t, plan.PruneEnabled)
}

func TestBuildPlanExcludedPackageSkipsSibling(t *testing.T) {
	// source has A and B, B excluded upstream: only A flows in, and since A
	// matches the destination the plan is a pure no-op
	a := rec("pkga", "1.0.0", "aaa")
	dest := NewDestState("linux-64", destIndex(a), []string{"linux-64/" + a.Filename})

	plan := BuildPlan("linux-64", []*channel.PackageRecord{a}, dest, false)

	assert.Empty(t, plan.ToCopy)
	require.Len(t, plan.ToSkip, 1)
	assert.Equal(t, a.Filename, plan.ToSkip[0].Filename)
	assert.Empty(t, plan.Stale)
}

func TestBuildPlanDeterministicUnderShuffledInputs(t *testing.T) {
	var source []*channel.PackageRecord
	var listing []string
	for i := range 20 {
		r := rec(fmt.Sprintf("pkg%02d", i), "1.0.0", fmt.Sprintf("sha%02d", i))
		source = append(source, r)
		if i%2 == 0 {
			listing = append(listing, "linux-64/"+r.Filename)
		}
	}
	index := destIndex(source[:10]...)

	reference := BuildPlan("linux-64", source, NewDestState("linux-64", index, listing), true)

	rng := rand.New(rand.NewSource(7))
	for range 10 {
		shuffledSource := append([]*channel.PackageRecord(nil), source...)
		rng.Shuffle(len(shuffledSource), func(i, j int) {
			shuffledSource[i], shuffledSource[j] = shuffledSource[j], shuffledSource[i]
		})
		shuffledListing := append([]string(nil), listing...)
		rng.Shuffle(len(shuffledListing), func(i, j int) {
			shuffledListing[i], shuffledListing[j] = shuffledListing[j], shuffledListing[i]
		})

		plan := BuildPlan("linux-64", shuffledSource, NewDestState("linux-64", index, shuffledListing), true)
		assert.Equal(t, reference.ToCopy, plan.ToCopy)
		assert.Equal(t, reference.ToSkip, plan.ToSkip)
		assert.Equal(t, reference.Conflicts, plan.Conflicts)
		assert.Equal(t, reference.Stale, plan.Stale)
	}
}

func TestNewDestStateIgnoresNonPackageFiles(t *testing.T) {
	dest := NewDestState("linux-64", nil, []string{
		"linux-64/repodata.json",
		"linux-64/repodata.json.zst",
		"linux-64/numpy-1.26.0-py310_0.conda",
		"linux-64/scipy-1.11.0-py310_0.tar.bz2",
		"linux-64/notes.txt",
	})

	assert.Equal(t, 2, dest.Present.Cardinality())
	assert.True(t, dest.Present.Contains("numpy-1.26.0-py310_0.conda"))
	assert.True(t, dest.Present.Contains("scipy-1.11.0-py310_0.tar.bz2"))
}
