package connector

import (
	"fmt"
	"sync"
)

// Notification is either ReplicantChanged or ManifestChanged.
type Notification interface {
	notification()
}

// ReplicantChanged fires for every applied value push, changed or not.
type ReplicantChanged struct {
	Bundle string
	Name   string
}

// ManifestChanged fires after each negotiation, so bundle verdicts may differ.
type ManifestChanged struct{}

func (ReplicantChanged) notification() {}
func (ManifestChanged) notification()  {}

func (n ReplicantChanged) String() string {
	return fmt.Sprintf("replicant %s/%s", n.Bundle, n.Name)
}

func (ManifestChanged) String() string {
	return "manifest"
}

// hub fans notifications out to subscribers. Each subscriber has an
// unbounded queue drained by its own pump, so publish never blocks and
// never drops.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
	pumps  sync.WaitGroup
}

type subscriber struct {
	mu    sync.Mutex
	queue []Notification
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
	out   chan Notification
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		out := make(chan Notification)
		close(out)
		return out, func() {}
	}
	h.nextID++
	id := h.nextID
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Notification),
	}
	h.subs[id] = s
	h.pumps.Add(1)
	go func() {
		defer h.pumps.Done()
		s.pump()
	}()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
	return s.out, cancel
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		s.push(n)
	}
}

// close stops every subscriber and waits for the pumps, so nothing is
// delivered after it returns.
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = map[int]*subscriber{}
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	h.pumps.Wait()
}

func (s *subscriber) push(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
