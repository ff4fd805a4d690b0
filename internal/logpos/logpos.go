// Package logpos models a write-ahead-log position: a pair of 32-bit
// halves rendered as "%X/%X" and compared as a single monotonic scalar.
package logpos

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentMultiplier is the factor applied to the high half of a Pos when
// computing its Scalar form. The source this daemon's design was distilled
// from used 0xFF000000 (0xFF * 16MiB), which undercounts the true 4GiB
// WAL segment size (0x100000000) by one part in 256. That earlier value is
// kept as the default so Scalar comparisons stay bit-exact against
// repl_monitor history rows written by older daemons; set this to
// 0x100000000 to use the arithmetically correct segment size instead.
// See DESIGN.md, Open Question 1.
var SegmentMultiplier uint64 = 0xFF000000

// Invalid is the sentinel position meaning "not yet reported".
var Invalid = Pos{}

// Pos is a WAL log position (segment-high, segment-offset).
type Pos struct {
	High   uint32
	Offset uint32
}

// IsValid reports whether p is not the sentinel 0/0 value.
func (p Pos) IsValid() bool {
	return p != Invalid
}

// String renders p as "%X/%X".
func (p Pos) String() string {
	return fmt.Sprintf("%X/%X", p.High, p.Offset)
}

// Scalar returns a single monotonically increasing value for p, using
// SegmentMultiplier as the per-segment size.
func (p Pos) Scalar() uint64 {
	return uint64(p.High)*SegmentMultiplier + uint64(p.Offset)
}

// Compare returns -1, 0 or 1 as p is less than, equal to, or greater than
// other, comparing by Scalar.
func (p Pos) Compare(other Pos) int {
	ps, os := p.Scalar(), other.Scalar()
	switch {
	case ps < os:
		return -1
	case ps > os:
		return 1
	default:
		return 0
	}
}

// Parse parses a "%X/%X"-formatted log position. An empty string or a
// malformed value returns an error; parsing "0/0" succeeds and returns
// Invalid.
func Parse(s string) (Pos, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pos{}, fmt.Errorf("logpos: empty position")
	}

	halves := strings.SplitN(s, "/", 2)
	if len(halves) != 2 {
		return Pos{}, fmt.Errorf("logpos: malformed position %q", s)
	}

	high, err := strconv.ParseUint(halves[0], 16, 32)
	if err != nil {
		return Pos{}, fmt.Errorf("logpos: malformed high half of %q: %w", s, err)
	}

	offset, err := strconv.ParseUint(halves[1], 16, 32)
	if err != nil {
		return Pos{}, fmt.Errorf("logpos: malformed offset half of %q: %w", s, err)
	}

	return Pos{High: uint32(high), Offset: uint32(offset)}, nil
}

// Sub returns the non-negative byte distance from other to p (p - other),
// clamped to zero if other is actually ahead of p. clamped reports whether
// clamping occurred, which callers should log as a warning per spec.
func Sub(p, other Pos) (distance uint64, clamped bool) {
	ps, os := p.Scalar(), other.Scalar()
	if os > ps {
		return 0, true
	}
	return ps - os, false
}
