package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCompare_Ordering(t *testing.T) {
	// each entry must be strictly older than the next
	ordered := []string{
		"0.4",
		"0.4.1.rc",
		"0.4.1",
		"0.5a1",
		"0.5b3",
		"0.5",
		"0.9.6",
		"0.960923",
		"1.0",
		"1.1dev1",
		"1.1a1",
		"1.1.0dev1",
		"1.1.a1",
		"1.1.0rc1",
		"1.1.0",
		"1.1.0post1",
		"1996.07.12",
		"2!0.4.1",
		"2!1.0",
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, VersionCompare(ordered[i], ordered[i+1]),
			"%s should be < %s", ordered[i], ordered[i+1])
		assert.Equal(t, 1, VersionCompare(ordered[i+1], ordered[i]),
			"%s should be > %s", ordered[i+1], ordered[i])
	}
}

func TestVersionCompare_Equal(t *testing.T) {
	assert.Equal(t, 0, VersionCompare("1.0", "1.0"))
	assert.Equal(t, 0, VersionCompare("1.0", "1.0.0"))
	assert.Equal(t, 0, VersionCompare("1.1a", "1.1a.0"))
	assert.Equal(t, 0, VersionCompare("1.0", "1.0-0"))
	assert.Equal(t, 0, VersionCompare("1.0_1", "1.0.1"))
}

func TestVersionCompare_Local(t *testing.T) {
	assert.Equal(t, -1, VersionCompare("1.0", "1.0+build1"))
	assert.Equal(t, -1, VersionCompare("1.0+build1", "1.0+build2"))
}

func TestParseVersionSpec_Operators(t *testing.T) {
	spec, err := ParseVersionSpec(">=1.2,<2.0")
	require.NoError(t, err)
	assert.True(t, spec.Matches("1.2"))
	assert.True(t, spec.Matches("1.9.9"))
	assert.False(t, spec.Matches("2.0"))
	assert.False(t, spec.Matches("1.1"))
}

func TestParseVersionSpec_Or(t *testing.T) {
	spec, err := ParseVersionSpec("<1.0|>=3.0")
	require.NoError(t, err)
	assert.True(t, spec.Matches("0.9"))
	assert.True(t, spec.Matches("3.0"))
	assert.False(t, spec.Matches("2.0"))
}

func TestParseVersionSpec_Prefix(t *testing.T) {
	for _, raw := range []string{"1.2.*", "=1.2"} {
		spec, err := ParseVersionSpec(raw)
		require.NoError(t, err)
		assert.True(t, spec.Matches("1.2"), raw)
		assert.True(t, spec.Matches("1.2.5"), raw)
		assert.False(t, spec.Matches("1.20"), raw)
		assert.False(t, spec.Matches("1.3"), raw)
	}
}

func TestParseVersionSpec_Exact(t *testing.T) {
	spec, err := ParseVersionSpec("1.2.3")
	require.NoError(t, err)
	assert.True(t, spec.Matches("1.2.3"))
	assert.True(t, spec.Matches("1.2.3.0"))
	assert.False(t, spec.Matches("1.2.4"))
}

func TestParseVersionSpec_NotEqual(t *testing.T) {
	spec, err := ParseVersionSpec("!=2.0")
	require.NoError(t, err)
	assert.True(t, spec.Matches("1.0"))
	assert.False(t, spec.Matches("2.0"))
}

func TestParseVersionSpec_Any(t *testing.T) {
	spec, err := ParseVersionSpec("*")
	require.NoError(t, err)
	assert.True(t, spec.Matches("0.0.1"))
}

func TestParseVersionSpec_Malformed(t *testing.T) {
	for _, raw := range []string{"", ">=1.2,", ">=<1.2", ">1.*", "|", "==1.0,"} {
		_, err := ParseVersionSpec(raw)
		assert.Error(t, err, "spec %q should not parse", raw)
	}
}
