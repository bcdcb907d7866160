package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/showlink/internal/observability"
	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/danmuck/showlink/internal/transport"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	reasonForced    = "forced"
	reasonDial      = "dial"
	reasonProtocol  = "protocol"
	reasonTransport = "transport"

	inboundBuffer = 64
)

// Connector keeps a local mirror of declared replicants and dispatches
// commands over one persistent connection. All methods are safe for
// concurrent use.
type Connector struct {
	cfg     Config
	logger  zerolog.Logger
	decls   []BundleDeclaration
	byName  map[string]BundleDeclaration
	store   *store
	pending *session.PendingTable
	hub     *hub
	// kick cuts a backoff wait short after a forced reconnect.
	kick chan struct{}

	mu         sync.Mutex
	state      State
	addr       transport.Address
	retryCount int
	lastError  error
	sessionID  ulid.ULID
	conn       transport.Conn
	statuses   map[string]BundleStatus
	liveSince  time.Time
	forced     bool
	interrupt  context.CancelFunc
	cancelRun  context.CancelFunc
	done       chan struct{}
}

// Status is a point-in-time view of the connection.
type Status struct {
	Instance   string    `json:"instance"`
	State      State     `json:"state"`
	Address    string    `json:"address"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	LiveSince  time.Time `json:"live_since"`
	Pending    int       `json:"pending"`
	Present    int       `json:"present_replicants"`
}

func New(cfg Config) (*Connector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	decls := make([]BundleDeclaration, len(cfg.Bundles))
	copy(decls, cfg.Bundles)
	sort.Slice(decls, func(i, j int) bool {
		return decls[i].name < decls[j].name
	})
	c := &Connector{
		cfg: cfg,
		logger: base.With().
			Str("component", "connector").
			Str("instance", cfg.Instance).
			Logger(),
		decls:    decls,
		byName:   make(map[string]BundleDeclaration, len(decls)),
		store:    newStore(decls),
		pending:  session.NewPendingTable(),
		hub:      newHub(),
		kick:     make(chan struct{}, 1),
		state:    StateIdle,
		addr:     cfg.Address,
		statuses: make(map[string]BundleStatus, len(decls)),
	}
	for _, d := range decls {
		c.byName[d.name] = d
		c.statuses[d.name] = unknownStatus(d)
	}
	if cfg.Metrics {
		observability.SetConnectionState(cfg.Instance, StateIdle.String(), StateNames())
	}
	return c, nil
}

// Start moves Idle to Connecting and launches the run loop. It is a no-op in
// any other state except Closed.
func (c *Connector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateIdle:
	default:
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	c.done = make(chan struct{})
	c.setStateLocked(StateConnecting)
	c.logger.Info().Str("addr", c.addr.String()).Int("bundles", len(c.decls)).Msg("connector.Connector.Start")
	go c.run(ctx, c.done)
	return nil
}

// UpdateConfig replaces the target address. Unless the connector is idle it
// drops the current transport and reconnects without waiting out backoff.
func (c *Connector) UpdateConfig(addr transport.Address) error {
	if err := addr.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.addr
	c.addr = addr
	if c.state == StateIdle {
		c.mu.Unlock()
		c.logger.Info().Str("from", prev.String()).Str("to", addr.String()).Msg("connector.Connector.UpdateConfig idle")
		return nil
	}
	c.forced = true
	interrupt := c.interrupt
	l := c.leaveLocked(nil)
	c.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.finishLeave(l, reasonForced, nil)
	c.logger.Info().Str("from", prev.String()).Str("to", addr.String()).Msg("connector.Connector.UpdateConfig")
	return nil
}

// Reconnect forces a reconnect to the current address. From Idle it starts.
func (c *Connector) Reconnect() error {
	c.mu.Lock()
	state, addr := c.state, c.addr
	c.mu.Unlock()
	if state == StateIdle {
		return c.Start()
	}
	return c.UpdateConfig(addr)
}

// Disconnect is terminal. It returns after the run loop has exited, every
// pending command has failed with ErrConnectionLost and every subscription
// channel is closed.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.setStateLocked(StateClosed)
	conn := c.conn
	c.conn = nil
	c.liveSince = time.Time{}
	interrupt, cancel, done := c.interrupt, c.cancelRun, c.done
	c.interrupt = nil
	failed := c.pending.FailAll(ErrConnectionLost)
	c.store.reset()
	c.mu.Unlock()

	c.hub.close()
	if interrupt != nil {
		interrupt()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.store.reset()
	c.logger.Info().Str("from", from.String()).Int("failed_pending", failed).Msg("connector.Connector.Disconnect")
	return nil
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) Address() transport.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	st := Status{
		Instance:   c.cfg.Instance,
		State:      c.state,
		Address:    c.addr.String(),
		RetryCount: c.retryCount,
		LiveSince:  c.liveSince,
	}
	if c.lastError != nil {
		st.LastError = c.lastError.Error()
	}
	if c.sessionID != (ulid.ULID{}) {
		st.SessionID = c.sessionID.String()
	}
	c.mu.Unlock()
	st.Pending = c.pending.Len()
	st.Present = c.store.presentCount()
	return st
}

// Declarations returns the declared bundles ordered by name.
func (c *Connector) Declarations() []BundleDeclaration {
	out := make([]BundleDeclaration, len(c.decls))
	copy(out, c.decls)
	return out
}

// Get returns a copy of the latest value. It reports false until the server
// pushes a value in the current session.
func (c *Connector) Get(bundle, name string) (json.RawMessage, bool) {
	return c.store.get(bundle, name)
}

// Decode unmarshals the latest value of a replicant into T.
func Decode[T any](c *Connector, bundle, name string) (T, bool, error) {
	var out T
	raw, ok := c.store.get(bundle, name)
	if !ok {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("connector: decode %s/%s: %w", bundle, name, err)
	}
	return out, true, nil
}

// Snapshots lists every declared replicant ordered by bundle then name.
func (c *Connector) Snapshots() []ReplicantSnapshot {
	return c.store.snapshots()
}

// BundleStatus reports the last verdict for a declared bundle.
func (c *Connector) BundleStatus(bundle string) (BundleStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.statuses[bundle]
	return st, ok
}

func (c *Connector) BundleStatuses() []BundleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BundleStatus, 0, len(c.decls))
	for _, d := range c.decls {
		out = append(out, c.statuses[d.name])
	}
	return out
}

// PendingRequests lists commands awaiting an ack.
func (c *Connector) PendingRequests() []session.PendingRequest {
	return c.pending.List()
}

// Subscribe returns a channel of notifications and its cancel func. The
// channel closes on cancel or Disconnect.
func (c *Connector) Subscribe() (<-chan Notification, func()) {
	return c.hub.subscribe()
}

func (c *Connector) setStateLocked(to State) bool {
	from := c.state
	if !CanTransition(from, to) {
		c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("connector.Connector invalid transition")
		return false
	}
	c.state = to
	if c.cfg.Metrics {
		observability.SetConnectionState(c.cfg.Instance, to.String(), StateNames())
	}
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("connector.Connector state")
	return true
}

type leave struct {
	conn    transport.Conn
	from    State
	entered bool
	failed  int
}

// leaveLocked moves to Reconnecting and drops everything tied to the
// session: transport, pending commands and replicant values.
func (c *Connector) leaveLocked(cause error) leave {
	l := leave{from: c.state}
	if c.state == StateClosed || c.state == StateIdle {
		return l
	}
	if c.state != StateReconnecting {
		l.entered = c.setStateLocked(StateReconnecting)
	}
	// keep the error that caused the leave, not the teardown that follows it
	if cause != nil && (l.entered || c.lastError == nil) {
		c.lastError = cause
	}
	l.conn = c.conn
	c.conn = nil
	c.liveSince = time.Time{}
	l.failed = c.pending.FailAll(ErrConnectionLost)
	c.store.reset()
	return l
}

func (c *Connector) finishLeave(l leave, reason string, cause error) {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	if !l.entered {
		return
	}
	if c.cfg.Metrics {
		observability.RecordReconnect(c.cfg.Instance, reason)
	}
	ev := c.logger.Info()
	if cause != nil {
		ev = c.logger.Warn().Err(cause)
	}
	ev.Str("from", l.from.String()).
		Str("reason", reason).
		Int("failed_pending", l.failed).
		Msg("connector.Connector reconnecting")
}

type dialError struct {
	addr transport.Address
	err  error
}

func (e *dialError) Error() string {
	return fmt.Sprintf("connector: dial %s: %v", e.addr, e.err)
}

func (e *dialError) Unwrap() error {
	return e.err
}

func reasonOf(err error) string {
	var de *dialError
	switch {
	case errors.Is(err, context.Canceled):
		return reasonForced
	case errors.As(err, &de):
		return reasonDial
	case errors.Is(err, ErrProtocol):
		return reasonProtocol
	default:
		return reasonTransport
	}
}

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := session.NewBackoff(c.cfg.Session.Backoff, c.cfg.Rand)
	for {
		attemptCtx, cancel := context.WithCancel(ctx)
		addr, ok := c.beginAttempt(cancel)
		if !ok {
			cancel()
			return
		}
		liveFor, err := c.runSession(attemptCtx, addr)
		cancel()
		if ctx.Err() != nil {
			return
		}

		forced := c.endAttempt(err)
		if liveFor > 0 && backoff.Settle(liveFor) {
			c.logger.Debug().Dur("live_for", liveFor).Msg("connector.Connector.run backoff reset")
		}
		if forced {
			backoff.Reset()
			c.setRetry(0)
			continue
		}
		delay := backoff.Next()
		c.setRetry(backoff.Attempt())
		c.logger.Warn().
			Err(err).
			Int("attempt", backoff.Attempt()).
			Dur("delay", delay).
			Str("addr", addr.String()).
			Msg("connector.Connector.run retry scheduled")
		if !c.waitBackoff(ctx, delay) {
			return
		}
	}
}

func (c *Connector) beginAttempt(cancel context.CancelFunc) (transport.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return transport.Address{}, false
	}
	if c.state != StateConnecting && !c.setStateLocked(StateConnecting) {
		return transport.Address{}, false
	}
	c.forced = false
	select {
	case <-c.kick:
	default:
	}
	c.interrupt = cancel
	return c.addr, true
}

func (c *Connector) endAttempt(err error) bool {
	cause := err
	if errors.Is(err, context.Canceled) {
		cause = nil
	}
	c.mu.Lock()
	c.interrupt = nil
	l := c.leaveLocked(cause)
	forced := c.forced
	c.forced = false
	c.mu.Unlock()
	c.finishLeave(l, reasonOf(err), cause)
	return forced
}

func (c *Connector) setRetry(n int) {
	c.mu.Lock()
	c.retryCount = n
	c.mu.Unlock()
}

func (c *Connector) waitBackoff(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-c.kick:
		return true
	}
}

type inbound struct {
	env wire.Envelope
	err error
}

// liveSession is the state of one open transport, owned by the run loop.
type liveSession struct {
	ctx    context.Context
	conn   transport.Conn
	id     ulid.ULID
	gen    uint64
	frames chan inbound
}

func readFrames(ctx context.Context, conn transport.Conn, out chan<- inbound) {
	for {
		env, err := conn.Receive()
		select {
		case out <- inbound{env: env, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// runSession dials, negotiates, subscribes and then processes frames until
// the transport fails or ctx ends. It reports how long the session was live.
func (c *Connector) runSession(ctx context.Context, addr transport.Address) (time.Duration, error) {
	conn, err := c.cfg.Dialer.Dial(ctx, addr)
	if err != nil {
		return 0, &dialError{addr: addr, err: err}
	}
	defer conn.Close()

	s := &liveSession{
		ctx:    ctx,
		conn:   conn,
		id:     ulid.Make(),
		frames: make(chan inbound, inboundBuffer),
	}
	gen, ok := c.enterSyncing(s)
	if !ok {
		return 0, context.Canceled
	}
	s.gen = gen
	c.logger.Info().Str("addr", addr.String()).Str("session", s.id.String()).Msg("connector.Connector session open")
	go readFrames(ctx, conn, s.frames)

	manifest, err := c.awaitManifest(s)
	if err != nil {
		return 0, err
	}
	if err := c.applyManifest(s, manifest); err != nil {
		return 0, err
	}
	liveAt, ok := c.enterLive()
	if !ok {
		return 0, context.Canceled
	}
	c.logger.Info().Str("session", s.id.String()).Msg("connector.Connector live")

	for {
		select {
		case <-ctx.Done():
			return time.Since(liveAt), ctx.Err()
		case in := <-s.frames:
			if in.err != nil {
				return time.Since(liveAt), in.err
			}
			if err := c.handle(s, in.env); err != nil {
				return time.Since(liveAt), err
			}
		}
	}
}

func (c *Connector) enterSyncing(s *liveSession) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || !c.setStateLocked(StateSyncing) {
		return 0, false
	}
	c.conn = s.conn
	c.sessionID = s.id
	c.retryCount = 0
	return c.store.reset(), true
}

func (c *Connector) enterLive() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSyncing || !c.setStateLocked(StateLive) {
		return time.Time{}, false
	}
	c.liveSince = time.Now()
	c.lastError = nil
	return c.liveSince, true
}

func (c *Connector) awaitManifest(s *liveSession) (map[string]string, error) {
	timeout := c.cfg.Session.HandshakeTimeout
	sendCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	if err := s.conn.Send(sendCtx, wire.BundlesRequest()); err != nil {
		return nil, fmt.Errorf("connector: request manifest: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: no manifest within %s", ErrProtocol, timeout)
		case in := <-s.frames:
			if in.err != nil {
				return nil, in.err
			}
			if in.env.Type == wire.TypeBundles {
				return in.env.Bundles, nil
			}
			c.logger.Debug().Str("type", string(in.env.Type)).Msg("connector.Connector ignored before manifest")
		}
	}
}

// applyManifest reclassifies every bundle, publishes ManifestChanged and
// subscribes the replicants of bundles that just became compatible.
func (c *Connector) applyManifest(s *liveSession, manifest map[string]string) error {
	next := classifyAll(c.decls, manifest, time.Now())
	c.mu.Lock()
	if !c.store.current(s.gen) {
		// the session was left while the manifest was in flight
		c.mu.Unlock()
		return context.Canceled
	}
	c.statuses = next
	c.mu.Unlock()

	var subscribe []BundleDeclaration
	for _, d := range c.decls {
		st := next[d.name]
		if c.cfg.Metrics {
			observability.SetBundleVerdict(c.cfg.Instance, d.name, st.Verdict.String(), VerdictNames())
		}
		if st.Verdict == VerdictCompatible {
			if c.store.enable(s.gen, d.name) {
				subscribe = append(subscribe, d)
			}
			continue
		}
		c.store.disable(s.gen, d.name)
		c.logger.Warn().
			Err(st.Err).
			Str("bundle", d.name).
			Str("reported", st.Reported).
			Str("verdict", st.Verdict.String()).
			Msg("connector.Connector bundle unavailable")
	}
	c.mu.Lock()
	stale := !c.store.current(s.gen)
	if !stale {
		c.hub.publish(ManifestChanged{})
	}
	c.mu.Unlock()
	if stale {
		return context.Canceled
	}

	for _, d := range subscribe {
		for _, name := range d.replicants {
			if err := s.conn.Send(s.ctx, wire.Subscribe(d.name, name)); err != nil {
				return fmt.Errorf("connector: subscribe %s/%s: %w", d.name, name, err)
			}
		}
		c.logger.Debug().Str("bundle", d.name).Int("replicants", len(d.replicants)).Msg("connector.Connector subscribed")
	}
	return nil
}

func (c *Connector) handle(s *liveSession, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeReplicant:
		if !c.store.apply(s.gen, env.Bundle, env.Name, env.Payload, time.Now()) {
			c.logger.Debug().Str("bundle", env.Bundle).Str("name", env.Name).Msg("connector.Connector ignored replicant")
			return nil
		}
		if c.cfg.Metrics {
			observability.RecordReplicantUpdate(c.cfg.Instance, env.Bundle)
		}
		c.hub.publish(ReplicantChanged{Bundle: env.Bundle, Name: env.Name})
	case wire.TypeMessageAck:
		res := session.Result{Value: env.Payload}
		if env.Error != "" {
			res = session.Result{Err: &CommandError{ID: env.ID, Message: env.Error}}
		}
		if !c.pending.Resolve(env.ID, res) {
			c.logger.Debug().Uint64("id", env.ID).Msg("connector.Connector unmatched ack")
		}
	case wire.TypeBundles:
		return c.applyManifest(s, env.Bundles)
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("connector.Connector ignored envelope")
	}
	return nil
}
