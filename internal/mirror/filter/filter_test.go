package filter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/openmined/mirrorbox/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(name, version, build, license string) *channel.PackageRecord {
	return &channel.PackageRecord{
		Name:     name,
		Version:  version,
		Build:    build,
		License:  license,
		Filename: fmt.Sprintf("%s-%s-%s.conda", name, version, build),
	}
}

func TestPolicy_NoRulesKeepsEverything(t *testing.T) {
	p, err := NewPolicy(nil, nil)
	require.NoError(t, err)
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD-3-Clause")))
}

func TestPolicy_DenyList(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{Name: "py*"}})
	require.NoError(t, err)

	assert.False(t, p.Keep(rec("python", "3.12.1", "h0_0", "PSF")))
	assert.False(t, p.Keep(rec("pytest", "8.0.0", "py_0", "MIT")))
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD-3-Clause")))
}

func TestPolicy_AllowList(t *testing.T) {
	p, err := NewPolicy([]Rule{{Name: "numpy"}}, nil)
	require.NoError(t, err)

	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD-3-Clause")))
	assert.False(t, p.Keep(rec("scipy", "1.11.0", "py312_0", "BSD-3-Clause")))
}

func TestPolicy_IncludeOverridesExclude(t *testing.T) {
	p, err := NewPolicy(
		[]Rule{{Name: "python"}},
		[]Rule{{Name: "py*"}},
	)
	require.NoError(t, err)

	// matches both: include wins
	assert.True(t, p.Keep(rec("python", "3.12.1", "h0_0", "PSF")))
	// matches exclude only
	assert.False(t, p.Keep(rec("pytest", "8.0.0", "py_0", "MIT")))
	// matches neither: deny-list default keeps it
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD-3-Clause")))
}

func TestPolicy_IncludeOverridesExclude_Randomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"python", "pytest", "numpy", "pandas", "pyyaml", "zlib"}

	for i := 0; i < 200; i++ {
		name := names[rng.Intn(len(names))]
		r := rec(name, fmt.Sprintf("%d.%d", rng.Intn(5), rng.Intn(10)), "0", "MIT")

		p, err := NewPolicy([]Rule{{Name: name}}, []Rule{{Name: name}})
		require.NoError(t, err)
		assert.True(t, p.Keep(r), "record matching both include and exclude must be kept")
	}
}

func TestPolicy_VersionConstraint(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{Name: "python", Version: ">=2.0,<3.0"}})
	require.NoError(t, err)

	assert.False(t, p.Keep(rec("python", "2.7.18", "h0_0", "PSF")))
	assert.True(t, p.Keep(rec("python", "3.12.1", "h0_0", "PSF")))
	assert.True(t, p.Keep(rec("pypy", "2.7.18", "h0_0", "MIT")), "name must match too")
}

func TestPolicy_LicenseGlob(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{License: "GPL*"}})
	require.NoError(t, err)

	assert.False(t, p.Keep(rec("readline", "8.2", "h0_0", "GPL-3.0-only")))
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD-3-Clause")))
}

func TestPolicy_BuildGlob(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{Name: "*", Build: "*_debug"}})
	require.NoError(t, err)

	assert.False(t, p.Keep(rec("numpy", "1.26.0", "py312_debug", "BSD")))
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD")))
}

func TestPolicy_RuleFieldsAreConjunctive(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{Name: "numpy", Version: "<1.20"}})
	require.NoError(t, err)

	assert.False(t, p.Keep(rec("numpy", "1.19.5", "py39_0", "BSD")))
	assert.True(t, p.Keep(rec("numpy", "1.26.0", "py312_0", "BSD")))
}

func TestNewPolicy_MalformedRules(t *testing.T) {
	_, err := NewPolicy(nil, []Rule{{}})
	assert.Error(t, err, "empty rule must fail compilation")

	_, err = NewPolicy(nil, []Rule{{Name: "num[py"}})
	assert.Error(t, err, "bad glob must fail compilation")

	_, err = NewPolicy([]Rule{{Name: "numpy", Version: ">=<1"}}, nil)
	assert.Error(t, err, "bad version spec must fail compilation")
}

func TestPolicy_Apply(t *testing.T) {
	p, err := NewPolicy(nil, []Rule{{Name: "b"}})
	require.NoError(t, err)

	in := []*channel.PackageRecord{
		rec("a", "1.0", "0", ""),
		rec("b", "1.0", "0", ""),
		rec("c", "1.0", "0", ""),
	}
	out := p.Apply(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Name)
	assert.Equal(t, "c", out[1].Name)
}
