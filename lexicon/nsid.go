package lexicon

import (
	"fmt"
	"strings"
)

const (
	maxNSIDLength    = 317
	maxSegmentLength = 63
)

// NSID is a namespaced method identifier such as "com.example.getProfile".
// The zero value is not a valid identifier.
type NSID struct {
	raw string
}

// ParseNSID validates s and returns it as an NSID.
func ParseNSID(s string) (NSID, error) {
	if s == "" {
		return NSID{}, fmt.Errorf("invalid nsid: empty")
	}
	if len(s) > maxNSIDLength {
		return NSID{}, fmt.Errorf("invalid nsid %q: longer than %d characters", s, maxNSIDLength)
	}
	segs := strings.Split(s, ".")
	if len(segs) < 3 {
		return NSID{}, fmt.Errorf("invalid nsid %q: needs at least 3 segments", s)
	}
	for i, seg := range segs[:len(segs)-1] {
		if err := checkAuthoritySegment(seg, i == 0); err != nil {
			return NSID{}, fmt.Errorf("invalid nsid %q: %w", s, err)
		}
	}
	if err := checkNameSegment(segs[len(segs)-1]); err != nil {
		return NSID{}, fmt.Errorf("invalid nsid %q: %w", s, err)
	}
	return NSID{raw: s}, nil
}

// MustParseNSID is like ParseNSID but panics on error. Intended for
// package-level definitions.
func MustParseNSID(s string) NSID {
	id, err := ParseNSID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func checkAuthoritySegment(seg string, first bool) error {
	if seg == "" || len(seg) > maxSegmentLength {
		return fmt.Errorf("authority segment %q must be 1-%d characters", seg, maxSegmentLength)
	}
	if seg[0] == '-' || seg[len(seg)-1] == '-' {
		return fmt.Errorf("authority segment %q may not start or end with a hyphen", seg)
	}
	if first && isDigit(seg[0]) {
		return fmt.Errorf("first segment %q may not start with a digit", seg)
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if !isLetter(c) && !isDigit(c) && c != '-' {
			return fmt.Errorf("authority segment %q contains invalid character %q", seg, c)
		}
	}
	return nil
}

func checkNameSegment(seg string) error {
	if seg == "" || len(seg) > maxSegmentLength {
		return fmt.Errorf("name segment %q must be 1-%d characters", seg, maxSegmentLength)
	}
	if !isLetter(seg[0]) {
		return fmt.Errorf("name segment %q must start with a letter", seg)
	}
	for i := 1; i < len(seg); i++ {
		if !isLetter(seg[i]) && !isDigit(seg[i]) {
			return fmt.Errorf("name segment %q contains invalid character %q", seg, seg[i])
		}
	}
	return nil
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func (n NSID) String() string { return n.raw }

// IsZero reports whether n is the zero NSID.
func (n NSID) IsZero() bool { return n.raw == "" }

// Authority returns the reverse-domain portion, e.g. "com.example".
func (n NSID) Authority() string {
	if i := strings.LastIndexByte(n.raw, '.'); i >= 0 {
		return n.raw[:i]
	}
	return ""
}

// Name returns the final segment, e.g. "getProfile".
func (n NSID) Name() string {
	if i := strings.LastIndexByte(n.raw, '.'); i >= 0 {
		return n.raw[i+1:]
	}
	return n.raw
}

func (n NSID) MarshalText() ([]byte, error) { return []byte(n.raw), nil }

func (n *NSID) UnmarshalText(b []byte) error {
	id, err := ParseNSID(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}
