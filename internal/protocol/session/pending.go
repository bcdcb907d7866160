package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one command awaiting its ack.
type PendingRequest struct {
	ID       uint64
	Bundle   string
	Command  string
	QueuedAt time.Time
	Deadline time.Time
}

// Result settles one pending request.
type Result struct {
	Value json.RawMessage
	Err   error
}

type pendingEntry struct {
	req  PendingRequest
	done chan Result
}

// PendingTable stores outstanding requests by correlation id. Ids are never
// reused for the life of the table. Removal and settlement happen together
// under the lock, so a request settles at most once.
type PendingTable struct {
	mu     sync.Mutex
	nextID uint64
	items  map[uint64]*pendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[uint64]*pendingEntry),
	}
}

// Open allocates a fresh id and registers the request. The returned channel
// receives exactly one Result if the request is settled through Resolve or
// FailAll.
func (t *PendingTable) Open(bundle, command string, now time.Time, timeout time.Duration) (PendingRequest, <-chan Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	req := PendingRequest{
		ID:       t.nextID,
		Bundle:   bundle,
		Command:  command,
		QueuedAt: now,
		Deadline: now.Add(timeout),
	}
	entry := &pendingEntry{req: req, done: make(chan Result, 1)}
	t.items[req.ID] = entry
	return req, entry.done
}

// Resolve removes id and delivers res. It reports false for unknown or
// already-settled ids.
func (t *PendingTable) Resolve(id uint64, res Result) bool {
	t.mu.Lock()
	entry, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	entry.done <- res
	return true
}

// Remove drops id without delivering anything. The caller owns the outcome.
func (t *PendingTable) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return false
	}
	delete(t.items, id)
	return true
}

// FailAll settles every outstanding request with err and empties the table.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	entries := make([]*pendingEntry, 0, len(t.items))
	for id, entry := range t.items {
		entries = append(entries, entry)
		delete(t.items, id)
	}
	t.mu.Unlock()
	for _, entry := range entries {
		entry.done <- Result{Err: err}
	}
	return len(entries)
}

func (t *PendingTable) Get(id uint64) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.items[id]
	if !ok {
		return PendingRequest{}, false
	}
	return entry.req, true
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// List returns outstanding requests ordered by id.
func (t *PendingTable) List() []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingRequest, 0, len(t.items))
	for _, entry := range t.items {
		out = append(out, entry.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
