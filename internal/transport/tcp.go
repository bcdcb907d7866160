package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/showlink/internal/protocol/frame"
	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/rs/zerolog"
)

// TCPDialer speaks length-prefixed frames over plain TCP or TLS. The auth
// key rides in the auth block of the first frame written.
type TCPDialer struct {
	cfg    Config
	limits frame.Limits
}

func NewTCPDialer(cfg Config) *TCPDialer {
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Logger = cfg.Logger.With().Str("transport", string(KindTCP)).Logger()
	return &TCPDialer{cfg: cfg, limits: frame.DefaultLimits()}
}

func (d *TCPDialer) Dial(ctx context.Context, addr Address) (Conn, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if err := d.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}
	var conn net.Conn = rawConn
	if addr.Secure || d.cfg.Session.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(d.cfg.Session.TLS, addr.Host)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.Session.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	d.cfg.Logger.Debug().Str("addr", addr.String()).Msg("transport.TCPDialer.Dial connected")
	c := &tcpConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		limits: d.limits,
		cfg:    d.cfg,
		logger: d.cfg.Logger,
		done:   make(chan struct{}),
	}
	if key := strings.TrimSpace(d.cfg.AuthKey); key != "" {
		c.auth = []byte(key)
	}
	return c, nil
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
	cfg    Config
	logger zerolog.Logger

	writeMu   sync.Mutex
	auth      []byte // cleared once sent
	nextID    atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

func (c *tcpConn) Send(ctx context.Context, env wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	payload, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	fr := frame.Frame{
		Header: frame.Header{
			MessageID:   c.nextID.Add(1),
			MessageType: frame.TypeEnvelope,
		},
		Auth:    c.auth,
		Payload: payload,
	}
	if err := frame.WriteFrame(c.conn, fr, c.limits); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transport: tcp write: %w", err)
	}
	c.auth = nil
	return nil
}

func (c *tcpConn) Receive() (wire.Envelope, error) {
	if c.cfg.Session.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.Session.ReadTimeout)); err != nil {
			return wire.Envelope{}, err
		}
	}
	fr, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		if c.isClosed() {
			return wire.Envelope{}, ErrClosed
		}
		if errors.Is(err, io.EOF) {
			return wire.Envelope{}, fmt.Errorf("%w: peer closed", ErrClosed)
		}
		if errors.Is(err, frame.ErrMalformed) {
			return wire.Envelope{}, fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		return wire.Envelope{}, fmt.Errorf("transport: tcp read: %w", err)
	}
	return wire.Decode(fr.Payload)
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
