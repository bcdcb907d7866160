package connector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/showlink/internal/version"
)

// BundleDeclaration names one bundle, the replicants the caller needs from
// it, and the range of server versions it understands. It cannot change
// after construction.
type BundleDeclaration struct {
	name       string
	rng        version.Range
	replicants []string
}

// NewDeclaration validates versionRange and dedupes replicants.
func NewDeclaration(name, versionRange string, replicants ...string) (BundleDeclaration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return BundleDeclaration{}, fmt.Errorf("%w: name required", ErrInvalidBundle)
	}
	rng, err := version.ParseRange(versionRange)
	if err != nil {
		return BundleDeclaration{}, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, name, err)
	}
	seen := make(map[string]struct{}, len(replicants))
	list := make([]string, 0, len(replicants))
	for _, r := range replicants {
		r = strings.TrimSpace(r)
		if r == "" {
			return BundleDeclaration{}, fmt.Errorf("%w: %s: empty replicant name", ErrInvalidBundle, name)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		list = append(list, r)
	}
	sort.Strings(list)
	return BundleDeclaration{name: name, rng: rng, replicants: list}, nil
}

// MustDeclare panics on an invalid declaration; intended for literals.
func MustDeclare(name, versionRange string, replicants ...string) BundleDeclaration {
	d, err := NewDeclaration(name, versionRange, replicants...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d BundleDeclaration) Name() string {
	return d.name
}

func (d BundleDeclaration) Range() version.Range {
	return d.rng
}

// Replicants returns a sorted copy of the declared names.
func (d BundleDeclaration) Replicants() []string {
	out := make([]string, len(d.replicants))
	copy(out, d.replicants)
	return out
}

func (d BundleDeclaration) Requires(replicant string) bool {
	i := sort.SearchStrings(d.replicants, replicant)
	return i < len(d.replicants) && d.replicants[i] == replicant
}

// Verdict classifies a bundle against the latest manifest.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictCompatible
	VerdictIncompatible
	VerdictMissing
)

var verdictNames = [...]string{
	VerdictUnknown:      "unknown",
	VerdictCompatible:   "compatible",
	VerdictIncompatible: "incompatible",
	VerdictMissing:      "missing",
}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return "unknown"
	}
	return verdictNames[v]
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func VerdictNames() []string {
	out := make([]string, len(verdictNames))
	copy(out, verdictNames[:])
	return out
}

// BundleStatus is the outcome of the last negotiation for one bundle. Err
// wraps ErrBundleMissing or ErrVersionMismatch when the bundle is unusable.
type BundleStatus struct {
	Bundle    string
	Range     string
	Reported  string
	Verdict   Verdict
	Err       error
	CheckedAt time.Time
}

func unknownStatus(d BundleDeclaration) BundleStatus {
	return BundleStatus{Bundle: d.name, Range: d.rng.String(), Verdict: VerdictUnknown}
}

// classify compares one declaration against a manifest. It never fails as a
// whole: a bad entry only affects its own bundle.
func classify(d BundleDeclaration, manifest map[string]string, now time.Time) BundleStatus {
	st := BundleStatus{Bundle: d.name, Range: d.rng.String(), CheckedAt: now}
	reported, ok := manifest[d.name]
	if !ok {
		st.Verdict = VerdictMissing
		st.Err = fmt.Errorf("%w: %s", ErrBundleMissing, d.name)
		return st
	}
	st.Reported = reported
	satisfied, err := d.rng.Satisfies(reported)
	switch {
	case err != nil:
		st.Verdict = VerdictIncompatible
		st.Err = fmt.Errorf("%w: %s reported %q: %v", ErrVersionMismatch, d.name, reported, err)
	case !satisfied:
		st.Verdict = VerdictIncompatible
		st.Err = fmt.Errorf("%w: %s %s does not satisfy %s", ErrVersionMismatch, d.name, reported, d.rng)
	default:
		st.Verdict = VerdictCompatible
	}
	return st
}

func classifyAll(decls []BundleDeclaration, manifest map[string]string, now time.Time) map[string]BundleStatus {
	out := make(map[string]BundleStatus, len(decls))
	for _, d := range decls {
		out[d.name] = classify(d, manifest, now)
	}
	return out
}
