package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/showlink/internal/protocol/session"
	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config is shared by every dialer.
type Config struct {
	Session session.Config
	// AuthKey is presented to the server when set: as the "key" query
	// parameter over websocket, as the first frame's auth block over tcp.
	AuthKey string
	Logger  zerolog.Logger
}

// WebSocketDialer speaks JSON text messages over ws:// or wss://.
type WebSocketDialer struct {
	cfg Config
}

func NewWebSocketDialer(cfg Config) *WebSocketDialer {
	cfg.Session = cfg.Session.WithDefaults()
	cfg.Logger = cfg.Logger.With().Str("transport", string(KindWebSocket)).Logger()
	return &WebSocketDialer{cfg: cfg}
}

// URL renders the dial target for addr.
func (d *WebSocketDialer) URL(addr Address) string {
	scheme := "ws"
	if addr.Secure || d.cfg.Session.TLS.Enabled {
		scheme = "wss"
	}
	path := strings.TrimSpace(addr.Path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: addr.HostPort(), Path: path}
	if key := strings.TrimSpace(d.cfg.AuthKey); key != "" {
		u.RawQuery = url.Values{"key": []string{key}}.Encode()
	}
	return u.String()
}

func (d *WebSocketDialer) Dial(ctx context.Context, addr Address) (Conn, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if err := d.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.Session.HandshakeTimeout,
	}
	if addr.Secure || d.cfg.Session.TLS.Enabled {
		tlsCfg, err := clientTLSConfig(d.cfg.Session.TLS, addr.Host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.Session.ConnectTimeout)
	defer cancel()
	target := d.URL(addr)
	ws, resp, err := dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial %s: status=%d: %w", addr, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: websocket dial %s: %w", addr, err)
	}
	ws.SetReadLimit(wire.MaxEnvelopeBytes)

	c := &wsConn{
		ws:     ws,
		cfg:    d.cfg.Session,
		logger: d.cfg.Logger,
		done:   make(chan struct{}),
	}
	if timeout := d.cfg.Session.ReadTimeout; timeout > 0 {
		// pongs count as inbound traffic for the read deadline
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(timeout))
		})
	}
	if d.cfg.Session.PingInterval > 0 {
		go c.pingLoop(d.cfg.Session.PingInterval)
	}
	d.cfg.Logger.Debug().Str("addr", addr.String()).Msg("transport.WebSocketDialer.Dial connected")
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	cfg    session.Config
	logger zerolog.Logger

	// gorilla allows one concurrent writer
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(ctx context.Context, env wire.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		// a write deadline cannot be recovered on websocket
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() (wire.Envelope, error) {
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return wire.Envelope{}, err
			}
		}
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return wire.Envelope{}, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return wire.Envelope{}, fmt.Errorf("%w: peer closed", ErrClosed)
			}
			return wire.Envelope{}, fmt.Errorf("transport: websocket read: %w", err)
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			return wire.Decode(message)
		default:
			c.logger.Debug().Int("message_type", messageType).Msg("transport.wsConn.Receive skip")
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Warn().Err(err).Msg("transport.wsConn.ping failed")
				}
				// a failed control write leaves the conn unusable; closing it
				// fails the pending Receive so the owner reconnects
				_ = c.Close()
				return
			}
		}
	}
}
