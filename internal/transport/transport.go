// Package transport opens persistent, bidirectional envelope streams to a
// show-control server. The connector only sees Dialer and Conn; framing is
// private to each implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/showlink/internal/protocol/wire"
)

var (
	ErrClosed          = errors.New("transport: connection closed")
	ErrAddressRequired = errors.New("transport: host and port required")
	ErrUnknownKind     = errors.New("transport: unknown kind")
)

const DefaultPath = "/showlink"

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindTCP       Kind = "tcp"
)

// Address is where the server listens. Path only applies to websocket.
type Address struct {
	Host   string
	Port   int
	Path   string
	Secure bool
}

func (a Address) Validate() error {
	if strings.TrimSpace(a.Host) == "" || a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("%w: host=%q port=%d", ErrAddressRequired, a.Host, a.Port)
	}
	return nil
}

// HostPort returns "host:port".
func (a Address) HostPort() string {
	return net.JoinHostPort(strings.TrimSpace(a.Host), strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return a.HostPort()
}

// Dialer opens one connection per call.
type Dialer interface {
	Dial(ctx context.Context, addr Address) (Conn, error)
}

// Conn carries envelopes. Send is safe for concurrent use; Receive is called
// from a single reader. Close unblocks a pending Receive.
type Conn interface {
	Send(ctx context.Context, env wire.Envelope) error
	Receive() (wire.Envelope, error)
	Close() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr Address) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr Address) (Conn, error) {
	return f(ctx, addr)
}

// ParseKind normalizes a configured transport name. Empty selects websocket.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindWebSocket, "ws":
		return KindWebSocket, nil
	case KindTCP:
		return KindTCP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// NewDialer returns the dialer for kind.
func NewDialer(kind Kind, cfg Config) (Dialer, error) {
	switch kind {
	case KindWebSocket, "":
		return NewWebSocketDialer(cfg), nil
	case KindTCP:
		return NewTCPDialer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
