// Package version implements the caret-range compatibility rule used to
// accept or refuse a bundle reported by the server.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidVersion = errors.New("version: invalid version")
	ErrInvalidRange   = errors.New("version: invalid range")
)

// Version is a parsed major.minor.patch triple with an optional pre-release tag.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
}

// Parse accepts "1.2.3", "v1.2.3", "1.2.3-beta.1" and "1.2.3+build".
// Build metadata is discarded.
func Parse(raw string) (Version, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	var pre string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		pre = s[i+1:]
		s = s[:i]
		if pre == "" {
			return Version{}, fmt.Errorf("%w: empty pre-release in %q", ErrInvalidVersion, raw)
		}
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q needs three components", ErrInvalidVersion, raw)
	}
	var nums [3]uint64
	for i, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return Version{}, fmt.Errorf("%w: bad component %q in %q", ErrInvalidVersion, p, raw)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("%w: bad component %q in %q", ErrInvalidVersion, p, raw)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Prerelease: pre}, nil
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// Compare returns -1, 0 or 1. A pre-release sorts below its release and
// pre-release tags compare lexically.
func (v Version) Compare(o Version) int {
	if c := cmpUint(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmpUint(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmpUint(v.Patch, o.Patch); c != 0 {
		return c
	}
	switch {
	case v.Prerelease == o.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	case v.Prerelease < o.Prerelease:
		return -1
	default:
		return 1
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Range is a caret range anchored at its declared minimum.
type Range struct {
	raw string
	min Version
}

// ParseRange accepts "^1.2.3". A bare version is treated as a caret range.
func ParseRange(raw string) (Range, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "^") {
		s = strings.TrimSpace(s[1:])
	} else if s != "" && strings.ContainsAny(s[:1], "<>=~*") {
		return Range{}, fmt.Errorf("%w: only caret ranges are supported, got %q", ErrInvalidRange, raw)
	}
	min, err := Parse(s)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return Range{raw: strings.TrimSpace(raw), min: min}, nil
}

// MustParseRange panics on a malformed range; intended for literals.
func MustParseRange(raw string) Range {
	r, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Range) String() string {
	return r.raw
}

// Min returns the declared minimum.
func (r Range) Min() Version {
	return r.min
}

// Contains reports whether v shares the minimum's leading nonzero component
// and is not below the minimum. With an all-zero minimum only that exact
// version matches.
func (r Range) Contains(v Version) bool {
	if v.Compare(r.min) < 0 {
		return false
	}
	switch {
	case r.min.Major != 0:
		return v.Major == r.min.Major
	case r.min.Minor != 0:
		return v.Major == 0 && v.Minor == r.min.Minor
	case r.min.Patch != 0:
		return v.Major == 0 && v.Minor == 0 && v.Patch == r.min.Patch
	default:
		return v.Major == 0 && v.Minor == 0 && v.Patch == 0
	}
}

// Satisfies parses reported and checks it against r.
func (r Range) Satisfies(reported string) (bool, error) {
	v, err := Parse(reported)
	if err != nil {
		return false, err
	}
	return r.Contains(v), nil
}
