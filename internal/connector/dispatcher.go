package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/showlink/internal/observability"
	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/danmuck/showlink/internal/transport"
)

const (
	outcomeOK           = "ok"
	outcomeRejected     = "rejected"
	outcomeTimeout      = "timeout"
	outcomeLost         = "lost"
	outcomeCancelled    = "cancelled"
	outcomeNotConnected = "not_connected"
	outcomeInvalid      = "invalid"

	// undeclaredBundle labels commands for bundles outside the declarations
	// so caller input never mints new series.
	undeclaredBundle = "undeclared"
)

// Send dispatches command to bundle and waits for its ack. payload may be
// nil, a json.RawMessage or any value json can marshal.
//
// It fails immediately with ErrNotConnected unless the connection is live.
// Otherwise exactly one of these settles the call: the matching ack, the ack
// deadline (ErrAckTimeout), the connection leaving live (ErrConnectionLost)
// or ctx.
func (c *Connector) Send(ctx context.Context, command, bundle string, payload any) (json.RawMessage, error) {
	start := time.Now()
	value, err := c.send(ctx, command, bundle, payload)
	if c.cfg.Metrics {
		label := bundle
		if _, ok := c.byName[bundle]; !ok {
			label = undeclaredBundle
		}
		observability.RecordCommand(c.cfg.Instance, label, outcomeOf(err), time.Since(start))
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("bundle", bundle).Str("command", command).Msg("connector.Connector.Send failed")
	}
	return value, err
}

func (c *Connector) send(ctx context.Context, command, bundle string, payload any) (json.RawMessage, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrCommandRequired
	}
	env, err := wire.Message(0, bundle, command, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateLive {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: state=%s", ErrNotConnected, state)
	}
	if _, ok := c.byName[bundle]; !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownBundle, bundle)
	}
	if st := c.statuses[bundle]; st.Verdict != VerdictCompatible {
		c.mu.Unlock()
		if st.Err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBundleUnavailable, bundle, st.Err)
		}
		return nil, fmt.Errorf("%w: %s verdict=%s", ErrBundleUnavailable, bundle, st.Verdict)
	}
	// opened under the state lock so leaving live always sees this entry
	req, done := c.pending.Open(bundle, command, time.Now(), c.cfg.Session.AckTimeout)
	conn := c.conn
	c.mu.Unlock()

	env.ID = req.ID
	if err := conn.Send(ctx, env); err != nil {
		removed := c.pending.Remove(req.ID)
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.dropConn(conn, fmt.Errorf("connector: write %s/%s: %w", bundle, command, err))
		}
		if !removed {
			return settle(<-done, req)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: write %s/%s: %v", ErrConnectionLost, bundle, command, err)
	}

	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()
	select {
	case res := <-done:
		return settle(res, req)
	case <-timer.C:
		if c.pending.Remove(req.ID) {
			return nil, fmt.Errorf("%w: %s/%s id=%d after %s", ErrAckTimeout, bundle, command, req.ID, c.cfg.Session.AckTimeout)
		}
		return settle(<-done, req)
	case <-ctx.Done():
		if c.pending.Remove(req.ID) {
			return nil, ctx.Err()
		}
		return settle(<-done, req)
	}
}

// dropConn leaves live after a failed write on conn so the run loop
// redials. A conn that was already replaced is left alone.
func (c *Connector) dropConn(conn transport.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	l := c.leaveLocked(cause)
	c.mu.Unlock()
	c.finishLeave(l, reasonTransport, cause)
}

func settle(res session.Result, req session.PendingRequest) (json.RawMessage, error) {
	if res.Err != nil {
		var ce *CommandError
		if errors.As(res.Err, &ce) {
			ce.Bundle = req.Bundle
			ce.Command = req.Command
		}
		return nil, res.Err
	}
	return res.Value, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrCommandRejected):
		return outcomeRejected
	case errors.Is(err, ErrAckTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrConnectionLost):
		return outcomeLost
	case errors.Is(err, ErrNotConnected):
		return outcomeNotConnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	default:
		return outcomeInvalid
	}
}
