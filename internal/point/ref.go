package point

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var segmentPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Ref is a parsed hardware reference.
//
// Grammar: <backend>.<line> or <backend>.<bus>.<line>. When the bus
// qualifier is omitted it defaults to the backend id, so "sim.pin0" and
// "sim.sim.pin0" name the same line. All segments are case-folded.
type Ref struct {
	Backend string
	Bus     string
	Line    string
}

// ParseRef parses and normalizes a hardware_ref string.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(cases.Fold().String(strings.TrimSpace(s)), ".")
	var r Ref
	switch len(parts) {
	case 2:
		r = Ref{Backend: parts[0], Bus: parts[0], Line: parts[1]}
	case 3:
		r = Ref{Backend: parts[0], Bus: parts[1], Line: parts[2]}
	default:
		return Ref{}, fmt.Errorf("hardware_ref %q: expected <backend>.<line> or <backend>.<bus>.<line>", s)
	}
	for _, seg := range []string{r.Backend, r.Bus, r.Line} {
		if !segmentPattern.MatchString(seg) {
			return Ref{}, fmt.Errorf("hardware_ref %q: invalid segment %q", s, seg)
		}
	}
	return r, nil
}

// MustParseRef is ParseRef for tests and literals. It panics on error.
func MustParseRef(s string) Ref {
	r, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String returns the normalized three-segment form. It is the identity
// key used for duplicate detection.
func (r Ref) String() string {
	return r.Backend + "." + r.Bus + "." + r.Line
}

// BusKey identifies the shared physical resource for arbitration when the
// backend does not provide its own mapping.
func (r Ref) BusKey() string {
	return r.Backend + "." + r.Bus
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r == Ref{}
}
