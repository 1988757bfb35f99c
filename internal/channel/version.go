package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// Conda version ordering. Not semver: versions carry an optional epoch
// ("2!1.0"), an optional local part ("1.0+build3"), and segment components
// where strings sort below numbers, "dev" below everything and "post" above
// everything.

type versionComponent struct {
	num   uint64
	str   string
	isNum bool
}

// rank buckets components: dev < string < number < post.
func (c versionComponent) rank() int {
	switch {
	case c.str == "dev":
		return 0
	case !c.isNum:
		return 1
	default:
		return 2
	}
}

func compareComponents(a, b versionComponent) int {
	if a.str == "post" || b.str == "post" {
		switch {
		case a.str == "post" && b.str == "post":
			return 0
		case a.str == "post":
			return 1
		default:
			return -1
		}
	}
	if ra, rb := a.rank(), b.rank(); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if a.isNum {
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a.str, b.str)
}

type parsedVersion struct {
	epoch    uint64
	segments [][]versionComponent
	local    [][]versionComponent
}

func splitSegments(s string) [][]versionComponent {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	segments := make([][]versionComponent, 0, len(fields))
	for _, field := range fields {
		var comps []versionComponent
		i := 0
		for i < len(field) {
			j := i
			if field[i] >= '0' && field[i] <= '9' {
				for j < len(field) && field[j] >= '0' && field[j] <= '9' {
					j++
				}
				n, _ := strconv.ParseUint(field[i:j], 10, 64)
				comps = append(comps, versionComponent{num: n, isNum: true})
			} else {
				for j < len(field) && (field[j] < '0' || field[j] > '9') {
					j++
				}
				comps = append(comps, versionComponent{str: field[i:j]})
			}
			i = j
		}
		// segments starting with a letter get an implicit leading zero,
		// so "1.a" == "1.0a"
		if len(comps) > 0 && !comps[0].isNum {
			comps = append([]versionComponent{{isNum: true}}, comps...)
		}
		segments = append(segments, comps)
	}
	return segments
}

func parseVersion(s string) parsedVersion {
	var pv parsedVersion
	s = strings.TrimSpace(s)
	if bang := strings.IndexByte(s, '!'); bang >= 0 {
		pv.epoch, _ = strconv.ParseUint(s[:bang], 10, 64)
		s = s[bang+1:]
	}
	if plus := strings.IndexByte(s, '+'); plus >= 0 {
		pv.local = splitSegments(s[plus+1:])
		s = s[:plus]
	}
	pv.segments = splitSegments(s)
	return pv
}

func compareSegments(a, b [][]versionComponent) int {
	n := max(len(a), len(b))
	zero := []versionComponent{{isNum: true}}
	for i := 0; i < n; i++ {
		sa, sb := zero, zero
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		m := max(len(sa), len(sb))
		for j := 0; j < m; j++ {
			ca, cb := versionComponent{isNum: true}, versionComponent{isNum: true}
			if j < len(sa) {
				ca = sa[j]
			}
			if j < len(sb) {
				cb = sb[j]
			}
			if c := compareComponents(ca, cb); c != 0 {
				return c
			}
		}
	}
	return 0
}

// VersionCompare orders two conda version strings. Returns -1, 0 or 1.
func VersionCompare(a, b string) int {
	va, vb := parseVersion(a), parseVersion(b)
	switch {
	case va.epoch < vb.epoch:
		return -1
	case va.epoch > vb.epoch:
		return 1
	}
	if c := compareSegments(va.segments, vb.segments); c != 0 {
		return c
	}
	// a version without a local part sorts below any with one
	switch {
	case len(va.local) == 0 && len(vb.local) == 0:
		return 0
	case len(va.local) == 0:
		return -1
	case len(vb.local) == 0:
		return 1
	}
	return compareSegments(va.local, vb.local)
}

// VersionSpec is a constraint over conda versions: "|" separates alternatives,
// "," conjoins tests, e.g. ">=1.2,<2.0|==3.0". A bare version means equality,
// "=1.2" and "1.2.*" mean prefix match.
type VersionSpec struct {
	raw    string
	groups [][]versionTest
}

type versionTest struct {
	op      string
	operand string
}

// ParseVersionSpec validates and compiles a version constraint. Malformed
// specs are configuration errors and must fail before any transfer starts.
func ParseVersionSpec(s string) (*VersionSpec, error) {
	spec := &VersionSpec{raw: s}
	for _, alt := range strings.Split(s, "|") {
		var tests []versionTest
		for _, atom := range strings.Split(alt, ",") {
			atom = strings.TrimSpace(atom)
			if atom == "" {
				return nil, fmt.Errorf("version spec %q: empty constraint", s)
			}
			test, err := parseVersionTest(atom)
			if err != nil {
				return nil, fmt.Errorf("version spec %q: %w", s, err)
			}
			tests = append(tests, test)
		}
		spec.groups = append(spec.groups, tests)
	}
	return spec, nil
}

func parseVersionTest(atom string) (versionTest, error) {
	ops := []string{"==", "!=", ">=", "<=", ">", "<", "="}
	var op, operand string
	for _, candidate := range ops {
		if strings.HasPrefix(atom, candidate) {
			op = candidate
			operand = strings.TrimSpace(atom[len(candidate):])
			break
		}
	}
	if op == "" {
		op = "=="
		operand = atom
	}
	if operand == "" {
		return versionTest{}, fmt.Errorf("operator %q has no operand", op)
	}
	if strings.ContainsAny(operand, "<>=!") {
		return versionTest{}, fmt.Errorf("malformed constraint %q", atom)
	}

	// "1.2.*" and "=1.2" are prefix matches; "*" matches anything
	if operand == "*" {
		return versionTest{op: "any"}, nil
	}
	if strings.HasSuffix(operand, "*") {
		if op != "==" && op != "=" {
			return versionTest{}, fmt.Errorf("wildcard not allowed with %q", op)
		}
		operand = strings.TrimSuffix(strings.TrimSuffix(operand, "*"), ".")
		if operand == "" {
			return versionTest{op: "any"}, nil
		}
		return versionTest{op: "prefix", operand: operand}, nil
	}
	if op == "=" {
		return versionTest{op: "prefix", operand: operand}, nil
	}
	return versionTest{op: op, operand: operand}, nil
}

func (t versionTest) matches(version string) bool {
	switch t.op {
	case "any":
		return true
	case "prefix":
		spec := parseVersion(t.operand)
		v := parseVersion(version)
		if v.epoch != spec.epoch || len(v.segments) < len(spec.segments) {
			return false
		}
		return compareSegments(v.segments[:len(spec.segments)], spec.segments) == 0
	}
	c := VersionCompare(version, t.operand)
	switch t.op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

// Matches reports whether version satisfies the spec.
func (vs *VersionSpec) Matches(version string) bool {
	for _, group := range vs.groups {
		all := true
		for _, test := range group {
			if !test.matches(version) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (vs *VersionSpec) String() string {
	return vs.raw
}
