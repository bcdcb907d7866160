package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/danmuck/showlink/internal/transport"
)

const waitFor = 2 * time.Second

// fakeServer is an in-memory show-control server. Every Dial yields a new
// fakeConn on accepted.
type fakeServer struct {
	mu           sync.Mutex
	manifest     map[string]string
	autoManifest bool
	dialErrs     int
	blockDial    bool
	dials        []transport.Address
	accepted     chan *fakeConn
}

func newFakeServer(manifest map[string]string) *fakeServer {
	return &fakeServer{
		manifest:     manifest,
		autoManifest: true,
		accepted:     make(chan *fakeConn, 16),
	}
}

func (s *fakeServer) Dial(ctx context.Context, addr transport.Address) (transport.Conn, error) {
	s.mu.Lock()
	s.dials = append(s.dials, addr)
	if s.dialErrs > 0 {
		s.dialErrs--
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	block := s.blockDial
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	conn := &fakeConn{
		server:     s,
		addr:       addr,
		toClient:   make(chan inbound, 256),
		fromClient: make(chan wire.Envelope, 256),
		closed:     make(chan struct{}),
	}
	s.accepted <- conn
	return conn, nil
}

func (s *fakeServer) setManifest(m map[string]string) {
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
}

func (s *fakeServer) currentManifest() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.manifest))
	for k, v := range s.manifest {
		out[k] = v
	}
	return out
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

func (s *fakeServer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-s.accepted:
		return conn
	case <-time.After(waitFor):
		t.Fatalf("no dial within %s", waitFor)
		return nil
	}
}

type fakeConn struct {
	server     *fakeServer
	addr       transport.Address
	toClient   chan inbound
	fromClient chan wire.Envelope
	closeOnce  sync.Once
	closed     chan struct{}

	mu       sync.Mutex
	writeErr error
}

func (c *fakeConn) Send(ctx context.Context, env wire.Envelope) error {
	if _, err := wire.Encode(env); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	writeErr := c.writeErr
	c.mu.Unlock()
	if writeErr != nil && env.Type == wire.TypeMessage {
		return writeErr
	}
	if env.Type == wire.TypeBundlesRequest {
		c.server.mu.Lock()
		auto := c.server.autoManifest
		c.server.mu.Unlock()
		if auto {
			c.push(wire.Manifest(c.server.currentManifest()))
		}
	}
	c.fromClient <- env
	return nil
}

func (c *fakeConn) Receive() (wire.Envelope, error) {
	select {
	case in := <-c.toClient:
		return in.env, in.err
	case <-c.closed:
		return wire.Envelope{}, transport.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(env wire.Envelope) {
	select {
	case c.toClient <- inbound{env: env}:
	case <-c.closed:
	}
}

// fail delivers err to the reader, as a broken transport would.
func (c *fakeConn) fail(err error) {
	select {
	case c.toClient <- inbound{err: err}:
	case <-c.closed:
	}
}

// failWrites makes every later command write fail with err while reads
// stay healthy.
func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) value(bundle, name string, v any) {
	raw, _ := json.Marshal(v)
	c.push(wire.ReplicantValue(bundle, name, raw))
}

// expect returns the next client envelope of type typ, skipping others.
func (c *fakeConn) expect(t *testing.T, typ wire.Type) wire.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-c.fromClient:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s from client within %s", typ, waitFor)
			return wire.Envelope{}
		}
	}
}

// expectSubscriptions collects n subscribe envelopes as "bundle/name".
func (c *fakeConn) expectSubscriptions(t *testing.T, n int) map[string]bool {
	t.Helper()
	got := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		env := c.expect(t, wire.TypeSubscribe)
		got[env.Bundle+"/"+env.Name] = true
	}
	return got
}

func testSession() session.Config {
	return session.Config{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		AckTimeout:       time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     50 * time.Millisecond,
			Jitter:       false,
		},
	}
}

func newTestConnector(t *testing.T, srv *fakeServer, sess session.Config, decls ...BundleDeclaration) *Connector {
	t.Helper()
	c, err := New(Config{
		Instance: t.Name(),
		Address:  transport.Address{Host: "127.0.0.1", Port: 9090},
		Bundles:  decls,
		Session:  sess,
		Dialer:   srv,
	})
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitState(t *testing.T, c *Connector, want State) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state=%s want=%s", c.State(), want)
}

func nextNotification(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		if !ok {
			t.Fatalf("notification channel closed")
		}
		return n
	case <-time.After(waitFor):
		t.Fatalf("no notification within %s", waitFor)
		return nil
	}
}

// goLive starts c and completes negotiation on the first connection.
func goLive(t *testing.T, c *Connector, srv *fakeServer, subscriptions int) *fakeConn {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := srv.next(t)
	conn.expect(t, wire.TypeBundlesRequest)
	conn.expectSubscriptions(t, subscriptions)
	waitState(t, c, StateLive)
	return conn
}

type sendResult struct {
	value json.RawMessage
	err   error
}

func sendAsync(c *Connector, ctx context.Context, command, bundle string, payload any) <-chan sendResult {
	out := make(chan sendResult, 1)
	go func() {
		v, err := c.Send(ctx, command, bundle, payload)
		out <- sendResult{value: v, err: err}
	}()
	return out
}

func awaitSend(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitFor):
		t.Fatalf("send did not settle within %s", waitFor)
		return sendResult{}
	}
}
