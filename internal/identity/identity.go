// Package identity parses and matches the semantic identifiers that name
// services and scope webhook filters and activity-log targets. An identity
// is 1-3 colon-separated segments: project[:stack[:context]].
//
// The same glob rules back all three uses: Match for in-process checks,
// LikePattern for store-side filtering.
package identity

import (
	"strings"

	"github.com/port-daddy/port-daddy/internal/fault"
)

const (
	maxSegments   = 3
	maxSegmentLen = 64
)

// LikeEscape is the escape character LikePattern uses for literal % and _.
// Queries must carry a matching ESCAPE clause.
const LikeEscape = `\`

// Identity is a parsed semantic identifier. The asterisk is a legal segment
// character; it only acts as a wildcard when the identity is used as a
// pattern.
type Identity struct {
	Segments    []string
	Canonical   string
	HasWildcard bool
}

// Project returns the first segment.
func (id Identity) Project() string { return id.Segments[0] }

// Stack returns the second segment or "".
func (id Identity) Stack() string {
	if len(id.Segments) > 1 {
		return id.Segments[1]
	}
	return ""
}

// Context returns the third segment or "".
func (id Identity) Context() string {
	if len(id.Segments) > 2 {
		return id.Segments[2]
	}
	return ""
}

// Parse validates s and splits it into segments. It fails with an
// IDENTITY_INVALID fault on empty input, more than three segments, an empty
// segment between colons, a segment over 64 characters, or characters
// outside [A-Za-z0-9._*-].
func Parse(s string) (Identity, error) {
	if s == "" {
		return Identity{}, fault.New(fault.IdentityInvalid, "identity is empty")
	}
	segs := strings.Split(s, ":")
	if len(segs) > maxSegments {
		return Identity{}, fault.Newf(fault.IdentityInvalid, "identity %q has more than %d segments", s, maxSegments)
	}
	wild := false
	for _, seg := range segs {
		if seg == "" {
			return Identity{}, fault.Newf(fault.IdentityInvalid, "identity %q has an empty segment", s)
		}
		if len(seg) > maxSegmentLen {
			return Identity{}, fault.Newf(fault.IdentityInvalid, "identity segment %q exceeds %d characters", seg, maxSegmentLen)
		}
		for i := 0; i < len(seg); i++ {
			if !validChar(seg[i]) {
				return Identity{}, fault.Newf(fault.IdentityInvalid, "identity segment %q has invalid character %q", seg, string(seg[i]))
			}
		}
		if strings.Contains(seg, "*") {
			wild = true
		}
	}
	return Identity{Segments: segs, Canonical: strings.Join(segs, ":"), HasWildcard: wild}, nil
}

// Valid reports whether s parses.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// IsPattern reports whether s contains a wildcard character. Callers use it
// to route between exact and LIKE lookups.
func IsPattern(s string) bool { return strings.Contains(s, "*") }

func validChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-', c == '*':
		return true
	}
	return false
}

// Match reports whether id matches pattern. Segment i matches when the
// pattern segment is "*" or literally equal. A shorter pattern matches any
// identity sharing its prefix segments; a longer pattern never matches a
// shorter identity. Comparison is case-sensitive. Unparseable inputs never
// match.
func Match(pattern, id string) bool {
	p, err := Parse(pattern)
	if err != nil {
		return false
	}
	v, err := Parse(id)
	if err != nil {
		return false
	}
	if len(p.Segments) > len(v.Segments) {
		return false
	}
	for i, seg := range p.Segments {
		if seg == "*" {
			continue
		}
		if seg != v.Segments[i] {
			return false
		}
	}
	return true
}

// LikePattern translates pattern into a SQL LIKE expression: each segment
// that is exactly "*" becomes %, literal segments are preserved with % and _
// escaped using LikeEscape. Reports false when the pattern does not parse.
func LikePattern(pattern string) (string, bool) {
	p, err := Parse(pattern)
	if err != nil {
		return "", false
	}
	out := make([]string, len(p.Segments))
	for i, seg := range p.Segments {
		if seg == "*" {
			out[i] = "%"
			continue
		}
		out[i] = escapeLike(seg)
	}
	return strings.Join(out, ":"), true
}

func escapeLike(s string) string {
	r := strings.NewReplacer(LikeEscape, LikeEscape+LikeEscape, "%", LikeEscape+"%", "_", LikeEscape+"_")
	return r.Replace(s)
}

// Normalized is a parse result with omitted segments filled from defaults.
// Canonical always reflects the input as parsed; defaults never reshape it.
type Normalized struct {
	Project   string
	Stack     string
	Context   string
	Canonical string
}

// Normalize parses id and fills a missing stack/context from the given
// defaults on the returned fields only.
func Normalize(id, stack, context string) (Normalized, error) {
	p, err := Parse(id)
	if err != nil {
		return Normalized{}, err
	}
	n := Normalized{Project: p.Segments[0], Stack: stack, Context: context, Canonical: p.Canonical}
	if len(p.Segments) > 1 {
		n.Stack = p.Segments[1]
	}
	if len(p.Segments) > 2 {
		n.Context = p.Segments[2]
	}
	return n, nil
}
