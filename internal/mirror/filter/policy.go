package filter

import (
	"fmt"

	"github.com/openmined/mirrorbox/internal/channel"
)

// Policy decides per record whether it is mirrored. Exclude rules drop
// matching records unless an include rule also matches (include overrides
// exclude). With only include rules configured the policy is an allow-list;
// with only exclude rules a deny-list; with neither, everything is kept.
type Policy struct {
	include []*compiledRule
	exclude []*compiledRule
}

// NewPolicy compiles the rule sets. Any malformed rule fails compilation,
// before any transfer begins.
func NewPolicy(include, exclude []Rule) (*Policy, error) {
	p := &Policy{}
	for _, r := range include {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("include rule [%s]: %w", r, err)
		}
		p.include = append(p.include, cr)
	}
	for _, r := range exclude {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("exclude rule [%s]: %w", r, err)
		}
		p.exclude = append(p.exclude, cr)
	}
	return p, nil
}

// Keep reports whether rec survives the policy.
func (p *Policy) Keep(rec *channel.PackageRecord) bool {
	included := matchesAny(p.include, rec)
	if included {
		return true
	}
	if matchesAny(p.exclude, rec) {
		return false
	}
	// no rule matched: allow-list semantics only when include rules exist
	// without any exclude rules
	if len(p.include) > 0 && len(p.exclude) == 0 {
		return false
	}
	return true
}

// Apply filters records of one subdir, preserving input order. Pure: no I/O,
// no mutation of the input.
func (p *Policy) Apply(records []*channel.PackageRecord) []*channel.PackageRecord {
	kept := make([]*channel.PackageRecord, 0, len(records))
	for _, rec := range records {
		if p.Keep(rec) {
			kept = append(kept, rec)
		}
	}
	return kept
}

func matchesAny(rules []*compiledRule, rec *channel.PackageRecord) bool {
	for _, cr := range rules {
		if cr.matches(rec) {
			return true
		}
	}
	return false
}
