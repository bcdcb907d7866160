package connector

import (
	"errors"
	"fmt"

	"github.com/danmuck/showlink/internal/protocol/wire"
)

var (
	ErrNotConnected      = errors.New("connector: not connected")
	ErrVersionMismatch   = errors.New("connector: bundle version mismatch")
	ErrBundleMissing     = errors.New("connector: bundle missing from manifest")
	ErrAckTimeout        = errors.New("connector: ack timeout")
	ErrConnectionLost    = errors.New("connector: connection lost")
	ErrCommandRejected   = errors.New("connector: command rejected")
	ErrClosed            = errors.New("connector: closed")
	ErrUnknownBundle     = errors.New("connector: bundle not declared")
	ErrBundleUnavailable = errors.New("connector: bundle unavailable")
	ErrCommandRequired   = errors.New("connector: command name required")
	ErrDialerRequired    = errors.New("connector: dialer required")
	ErrDuplicateBundle   = errors.New("connector: duplicate bundle declaration")
	ErrInvalidBundle     = errors.New("connector: invalid bundle declaration")

	// ErrProtocol is the same sentinel transports and the wire codec return.
	ErrProtocol = wire.ErrProtocol
)

// CommandError is a negative ack from the server.
type CommandError struct {
	ID      uint64
	Bundle  string
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("connector: command %s/%s rejected (id=%d): %s", e.Bundle, e.Command, e.ID, e.Message)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandRejected
}
