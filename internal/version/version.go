// Package version implements Alpine-style pkgver-pkgrel comparison (spec
// §4.1). Its API shape — Parse/MustParse, a Version struct, a Constraint
// struct with an operator enum, Compare/LessThan/GreaterThan — mirrors
// github.com/Masterminds/semver, the one versioning library in the teacher's
// dependency graph, even though Alpine's version grammar is not semver.
package version

import (
	"fmt"
	"strconv"
	"strings"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// suffixOrder is the ordered list of pre/post-release suffix kinds, lowest
// to highest, release itself sitting between "rc" and "cvs".
var suffixOrder = []string{"alpha", "beta", "pre", "rc", "", "cvs", "svn", "git", "hg", "p"}

func suffixRank(kind string) int {
	for i, s := range suffixOrder {
		if s == kind {
			return i
		}
	}
	return -1
}

// component is one dot-separated piece of the numeric part of a version,
// plus an optional trailing letter (a post-release addition, e.g. "3a").
type component struct {
	numeric bool
	num     int
	str     string
	letter  byte // 0 if absent
}

// Version is a parsed Alpine pkgver[-pkgrel] string.
type Version struct {
	raw        string
	components []component
	suffixKind string
	suffixNum  int
	hasSuffix  bool
	rel        int
	hasRel     bool
}

// String returns the original, unparsed version string.
func (v Version) String() string { return v.raw }

// Rel returns the pkgrel component, 0 if absent.
func (v Version) Rel() int { return v.rel }

func malformed(raw string, reason string) error {
	return pmberrors.Wrapf(fmt.Errorf(reason), pmberrors.KindVersionMalformed, "malformed version %q", raw)
}

// Parse parses an Alpine version string such as "1.2.3a-r5" into a Version.
// It rejects malformed input with KindVersionMalformed rather than silently
// ordering it.
func Parse(raw string) (Version, error) {
	if raw == "" {
		return Version{}, malformed(raw, "empty version")
	}

	v := Version{raw: raw}
	body := raw

	if i := strings.LastIndex(body, "-r"); i > 0 {
		relStr := body[i+2:]
		if relStr == "" {
			return Version{}, malformed(raw, "empty -r suffix")
		}
		rel, err := strconv.Atoi(relStr)
		if err != nil || rel < 0 {
			return Version{}, malformed(raw, "invalid pkgrel")
		}
		v.rel = rel
		v.hasRel = true
		body = body[:i]
	}

	for _, suf := range suffixOrder {
		if suf == "" {
			continue
		}
		marker := "_" + suf
		if idx := strings.Index(body, marker); idx >= 0 {
			rest := body[idx+len(marker):]
			num := 0
			if rest != "" {
				n, err := strconv.Atoi(rest)
				if err != nil {
					return Version{}, malformed(raw, "invalid suffix number")
				}
				num = n
			}
			v.suffixKind = suf
			v.suffixNum = num
			v.hasSuffix = true
			body = body[:idx]
			break
		}
	}

	if body == "" {
		return Version{}, malformed(raw, "empty numeric part")
	}

	parts := strings.Split(body, ".")
	for _, p := range parts {
		if p == "" {
			return Version{}, malformed(raw, "empty version component (e.g. \"1..2\")")
		}
		c, err := parseComponent(p)
		if err != nil {
			return Version{}, malformed(raw, err.Error())
		}
		v.components = append(v.components, c)
	}

	return v, nil
}

// MustParse is Parse but panics on error; for tests and literals only.
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func parseComponent(p string) (component, error) {
	if p == "" {
		return component{}, fmt.Errorf("empty component")
	}
	// Trailing letter: a component such as "3a" is a numeric core with a
	// single trailing post-release letter.
	last := p[len(p)-1]
	core := p
	var letter byte
	if last >= 'a' && last <= 'z' && len(p) > 1 {
		if _, err := strconv.Atoi(p[:len(p)-1]); err == nil {
			letter = last
			core = p[:len(p)-1]
		}
	}
	if core == "" {
		return component{}, fmt.Errorf("invalid component %q", p)
	}
	if n, err := strconv.Atoi(core); err == nil {
		return component{numeric: true, num: n, letter: letter}, nil
	}
	// Non-numeric components compare lexicographically.
	for i := 0; i < len(core); i++ {
		if core[i] < '0' || core[i] > 'z' {
			return component{}, fmt.Errorf("invalid character in component %q", p)
		}
	}
	return component{numeric: false, str: core, letter: letter}, nil
}

func compareComponent(a, b component) int {
	switch {
	case a.numeric && b.numeric:
		if a.num != b.num {
			return cmpInt(a.num, b.num)
		}
	case a.numeric != b.numeric:
		// A numeric component is always considered "earlier" than a
		// non-numeric one at the same position (Alpine components are
		// almost always homogeneous; this keeps comparison total).
		if a.numeric {
			return -1
		}
		return 1
	default:
		if a.str != b.str {
			return strings.Compare(a.str, b.str)
		}
	}
	return cmpInt(int(a.letter), int(b.letter))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, comparing pkgver components first and pkgrel last. cmp(v1,v2) =
// -cmp(v2,v1) and the relation is a total order.
func (v Version) Compare(other Version) int {
	n := len(v.components)
	if len(other.components) > n {
		n = len(other.components)
	}
	for i := 0; i < n; i++ {
		var a, b component
		if i < len(v.components) {
			a = v.components[i]
		} else {
			a = component{numeric: true, num: 0}
		}
		if i < len(other.components) {
			b = other.components[i]
		} else {
			b = component{numeric: true, num: 0}
		}
		if c := compareComponent(a, b); c != 0 {
			return c
		}
	}

	aRank := suffixRank(v.suffixKind)
	bRank := suffixRank(other.suffixKind)
	if !v.hasSuffix {
		aRank = suffixRank("")
	}
	if !other.hasSuffix {
		bRank = suffixRank("")
	}
	if aRank != bRank {
		return cmpInt(aRank, bRank)
	}
	if v.hasSuffix && other.hasSuffix && v.suffixNum != other.suffixNum {
		return cmpInt(v.suffixNum, other.suffixNum)
	}

	return cmpInt(v.rel, other.rel)
}

func (v Version) LessThan(other Version) bool    { return v.Compare(other) < 0 }
func (v Version) GreaterThan(other Version) bool { return v.Compare(other) > 0 }
func (v Version) Equal(other Version) bool       { return v.Compare(other) == 0 }

// Op is a constraint operator (spec §4.1).
type Op string

const (
	OpEq     Op = "="
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpTilde  Op = "~" // same "major" prefix
	OpFuzzy  Op = "><" // not-equal, treated as inequality
	OpAny    Op = ""
)

// Constraint is a single version requirement, e.g. "foo>=2".
type Constraint struct {
	Op      Op
	Version Version
	raw     string
}

// ParseConstraint parses a requirement string's operator+version suffix,
// e.g. ">=1.2.3-r0". An empty string is the implicit "any" constraint.
func ParseConstraint(raw string) (Constraint, error) {
	if raw == "" {
		return Constraint{Op: OpAny}, nil
	}
	for _, op := range []Op{OpGe, OpLe, OpFuzzy, OpEq, OpLt, OpGt, OpTilde} {
		if strings.HasPrefix(raw, string(op)) {
			verStr := strings.TrimPrefix(raw, string(op))
			v, err := Parse(verStr)
			if err != nil {
				return Constraint{}, err
			}
			return Constraint{Op: op, Version: v, raw: raw}, nil
		}
	}
	// Bare version with no operator means exact match.
	v, err := Parse(raw)
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Op: OpEq, Version: v, raw: raw}, nil
}

// String returns the original constraint text.
func (c Constraint) String() string {
	if c.raw != "" {
		return c.raw
	}
	return "*"
}

// Check reports whether v satisfies the constraint.
func (c Constraint) Check(v Version) bool {
	switch c.Op {
	case OpAny:
		return true
	case OpEq:
		return v.Equal(c.Version)
	case OpLt:
		return v.LessThan(c.Version)
	case OpLe:
		return v.LessThan(c.Version) || v.Equal(c.Version)
	case OpGt:
		return v.GreaterThan(c.Version)
	case OpGe:
		return v.GreaterThan(c.Version) || v.Equal(c.Version)
	case OpFuzzy:
		return !v.Equal(c.Version)
	case OpTilde:
		return sameMajorPrefix(v, c.Version) && (v.GreaterThan(c.Version) || v.Equal(c.Version))
	default:
		return false
	}
}

// sameMajorPrefix reports whether a and b share the same first numeric
// component ("major" in semver terms).
func sameMajorPrefix(a, b Version) bool {
	if len(a.components) == 0 || len(b.components) == 0 {
		return false
	}
	return compareComponent(a.components[0], b.components[0]) == 0
}
