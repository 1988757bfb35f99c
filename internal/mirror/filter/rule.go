package filter

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/mirrorbox/internal/channel"
)

// Rule is one filter predicate over package records. Every set field must
// match for the rule to match (globs for name/build/license, a constraint
// spec for version). An empty rule is a configuration error.
type Rule struct {
	Name    string `mapstructure:"name" json:"name,omitempty"`
	Version string `mapstructure:"version" json:"version,omitempty"`
	Build   string `mapstructure:"build" json:"build,omitempty"`
	License string `mapstructure:"license" json:"license,omitempty"`
}

func (r Rule) String() string {
	var parts []string
	if r.Name != "" {
		parts = append(parts, "name="+r.Name)
	}
	if r.Version != "" {
		parts = append(parts, "version="+r.Version)
	}
	if r.Build != "" {
		parts = append(parts, "build="+r.Build)
	}
	if r.License != "" {
		parts = append(parts, "license="+r.License)
	}
	return strings.Join(parts, " ")
}

type compiledRule struct {
	rule    Rule
	version *channel.VersionSpec
}

func compileRule(r Rule) (*compiledRule, error) {
	if r.Name == "" && r.Version == "" && r.Build == "" && r.License == "" {
		return nil, fmt.Errorf("rule has no predicates")
	}
	for field, pattern := range map[string]string{"name": r.Name, "build": r.Build, "license": r.License} {
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid %s glob %q", field, pattern)
		}
	}

	cr := &compiledRule{rule: r}
	if r.Version != "" {
		spec, err := channel.ParseVersionSpec(r.Version)
		if err != nil {
			return nil, err
		}
		cr.version = spec
	}
	return cr, nil
}

func (cr *compiledRule) matches(rec *channel.PackageRecord) bool {
	if cr.rule.Name != "" && !globMatch(cr.rule.Name, rec.Name) {
		return false
	}
	if cr.version != nil && !cr.version.Matches(rec.Version) {
		return false
	}
	if cr.rule.Build != "" && !globMatch(cr.rule.Build, rec.Build) {
		return false
	}
	if cr.rule.License != "" && !globMatch(cr.rule.License, rec.License) {
		return false
	}
	return true
}

func globMatch(pattern, value string) bool {
	// patterns are validated at compile time
	ok, _ := doublestar.Match(pattern, value)
	return ok
}
