package portalloc

import (
	"fmt"
	"strconv"
	"strings"
)

// Default ephemeral range used when a rule does not name one.
const (
	DefaultMin uint16 = 1024
	DefaultMax uint16 = 65535
)

// Flags modify how a Range is used.
type Flags uint8

const (
	// FlagRangeSpecified means Min and Max were set explicitly.
	FlagRangeSpecified Flags = 1 << iota
	// FlagRandom randomizes the scan start.
	FlagRandom
	// FlagRandomFully is treated like FlagRandom by the allocator.
	FlagRandomFully
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Random reports whether any randomization mode is requested.
func (f Flags) Random() bool {
	return f&(FlagRandom|FlagRandomFully) != 0
}

// String lists the set flags for logs.
func (f Flags) String() string {
	var parts []string
	if f.Has(FlagRangeSpecified) {
		parts = append(parts, "range")
	}
	if f.Has(FlagRandom) {
		parts = append(parts, "random")
	}
	if f.Has(FlagRandomFully) {
		parts = append(parts, "random-fully")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Range is the port selection part of a translation rule.
type Range struct {
	Min   uint16
	Max   uint16
	Flags Flags
}

// Bounds returns the inclusive port bounds to scan.
func (r Range) Bounds() (lo, hi uint16) {
	if r.Flags.Has(FlagRangeSpecified) {
		return r.Min, r.Max
	}
	return DefaultMin, DefaultMax
}

// Size returns the number of ports in the resolved range.
func (r Range) Size() int {
	lo, hi := r.Bounds()
	return int(hi) - int(lo) + 1
}

// Contains reports whether port lies inside the resolved range.
func (r Range) Contains(port uint16) bool {
	lo, hi := r.Bounds()
	return port >= lo && port <= hi
}

// Validate checks an explicit range.
func (r Range) Validate() error {
	if !r.Flags.Has(FlagRangeSpecified) {
		return nil
	}
	if r.Min == 0 {
		return fmt.Errorf("port range must start above 0")
	}
	if r.Min > r.Max {
		return fmt.Errorf("port range %d-%d is inverted", r.Min, r.Max)
	}
	return nil
}

// String returns "min-max" with flags.
func (r Range) String() string {
	lo, hi := r.Bounds()
	return fmt.Sprintf("%d-%d (%s)", lo, hi, r.Flags)
}

// ParseRange parses "min-max" or a single port. An empty string yields the
// default range with no flags set.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}

	first, last, found := strings.Cut(s, "-")
	if !found {
		last = first
	}

	lo, err := parsePort(first)
	if err != nil {
		return Range{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	hi, err := parsePort(last)
	if err != nil {
		return Range{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}

	r := Range{Min: lo, Max: hi, Flags: FlagRangeSpecified}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}
