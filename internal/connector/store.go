package connector

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ReplicantSnapshot is a copy of one declared replicant.
type ReplicantSnapshot struct {
	Bundle    string          `json:"bundle"`
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	Present   bool            `json:"present"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type replicantKey struct {
	bundle string
	name   string
}

type storedValue struct {
	value     json.RawMessage
	updatedAt time.Time
}

// store holds the latest value per declared replicant. Values are accepted
// only for enabled bundles; disabling a bundle drops its values. Every reset
// starts a new generation, and writes tagged with an older one are refused.
type store struct {
	mu       sync.RWMutex
	gen      uint64
	declared map[replicantKey]struct{}
	enabled  map[string]bool
	values   map[replicantKey]storedValue
}

func newStore(decls []BundleDeclaration) *store {
	s := &store{
		declared: make(map[replicantKey]struct{}),
		enabled:  make(map[string]bool, len(decls)),
		values:   make(map[replicantKey]storedValue),
	}
	for _, d := range decls {
		for _, name := range d.replicants {
			s.declared[replicantKey{d.name, name}] = struct{}{}
		}
	}
	return s
}

func (s *store) get(bundle, name string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[replicantKey{bundle, name}]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v.value...), true
}

// apply overwrites a value. It reports false for undeclared pairs, for
// bundles that are not enabled and for stale generations.
func (s *store) apply(gen uint64, bundle, name string, value json.RawMessage, now time.Time) bool {
	k := replicantKey{bundle, name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false
	}
	if _, ok := s.declared[k]; !ok || !s.enabled[bundle] {
		return false
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	s.values[k] = storedValue{value: append(json.RawMessage(nil), value...), updatedAt: now}
	return true
}

// enable reports whether the bundle was previously disabled.
func (s *store) enable(gen uint64, bundle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.enabled[bundle] {
		return false
	}
	s.enabled[bundle] = true
	return true
}

func (s *store) disable(gen uint64, bundle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	delete(s.enabled, bundle)
	for k := range s.values {
		if k.bundle == bundle {
			delete(s.values, k)
		}
	}
}

func (s *store) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gen == s.gen
}

// reset disables every bundle, drops every value and returns the new
// generation.
func (s *store) reset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.enabled)
	clear(s.values)
	s.gen++
	return s.gen
}

func (s *store) presentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// snapshots lists every declared pair, present or not, ordered by bundle
// then name.
func (s *store) snapshots() []ReplicantSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReplicantSnapshot, 0, len(s.declared))
	for k := range s.declared {
		snap := ReplicantSnapshot{Bundle: k.bundle, Name: k.name}
		if v, ok := s.values[k]; ok {
			snap.Value = append(json.RawMessage(nil), v.value...)
			snap.Present = true
			snap.UpdatedAt = v.updatedAt
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bundle != out[j].Bundle {
			return out[i].Bundle < out[j].Bundle
		}
		return out[i].Name < out[j].Name
	})
	return out
}
