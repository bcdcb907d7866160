// Package frame is the length-prefixed binary framing used by the TCP
// transport. Each frame carries exactly one JSON envelope as its payload;
// the optional auth block rides on the first frame a client writes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 32

	Magic   uint32 = 0x5348_4C4B // "SHLK"
	Version uint16 = 1

	// TypeEnvelope is the only message type this protocol defines.
	TypeEnvelope uint32 = 1

	FlagHasAuth uint32 = 0x01
	knownFlags         = FlagHasAuth
)

// ErrMalformed is wrapped by every decode and encode rejection below so
// callers can map any of them to a protocol error in one check.
var ErrMalformed = errors.New("frame: malformed")

var (
	ErrShortHeader       = fmt.Errorf("%w: short fixed header", ErrMalformed)
	ErrHeaderLenTooSmall = fmt.Errorf("%w: header_len smaller than fixed header", ErrMalformed)
	ErrHeaderLenMismatch = fmt.Errorf("%w: auth flag and header_len disagree", ErrMalformed)
	ErrPayloadTooLarge   = fmt.Errorf("%w: payload too large", ErrMalformed)
	ErrAuthTooLarge      = fmt.Errorf("%w: auth too large", ErrMalformed)
	ErrInvalidMagic      = fmt.Errorf("%w: invalid magic", ErrMalformed)
	ErrUnsupportedVer    = fmt.Errorf("%w: unsupported version", ErrMalformed)
	ErrUnknownType       = fmt.Errorf("%w: unknown message type", ErrMalformed)
	ErrUnknownFlags      = fmt.Errorf("%w: unknown flag bits", ErrMalformed)
	ErrEmptyPayload      = fmt.Errorf("%w: envelope frame without payload", ErrMalformed)
)

// Header is the fixed 32-byte wire header, big endian:
//
//	magic u32 | version u16 | header_len u16 | message_id u64 |
//	message_type u32 | flags u32 | payload_len u64
//
// header_len covers the fixed header plus the auth block.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits caps the auth and payload sizes accepted in either direction.
type Limits struct {
	MaxAuthBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// authLen is the auth block size implied by header_len.
func (h Header) authLen() uint64 {
	return uint64(h.HeaderLen - FixedHeaderLen)
}

// Check rejects headers from a foreign or newer peer.
func (h Header) Check() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	return nil
}

// validate applies every header rule before any body bytes are read, so a
// rejected frame never allocates its declared auth or payload.
func (h Header) validate(limits Limits) error {
	if err := h.Check(); err != nil {
		return err
	}
	if h.MessageType != TypeEnvelope {
		return fmt.Errorf("%w: %d", ErrUnknownType, h.MessageType)
	}
	if extra := h.Flags &^ knownFlags; extra != 0 {
		return fmt.Errorf("%w: 0x%x", ErrUnknownFlags, extra)
	}
	if h.HeaderLen < FixedHeaderLen {
		return ErrHeaderLenTooSmall
	}
	hasAuth := h.Flags&FlagHasAuth != 0
	if hasAuth != (h.authLen() > 0) {
		return ErrHeaderLenMismatch
	}
	if h.authLen() > limits.MaxAuthBytes {
		return ErrAuthTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if h.PayloadLen == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// ReadFrame reads one envelope frame. A clean EOF before the first header
// byte is returned as io.EOF; anything cut short after that is an error.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.validate(limits); err != nil {
		return Frame{}, err
	}

	// auth and payload are contiguous on the wire
	body := make([]byte, h.authLen()+h.PayloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("frame: read body of message %d: %w", h.MessageID, err)
	}
	split := h.authLen()
	return Frame{Header: h, Auth: body[:split:split], Payload: body[split:]}, nil
}

// WriteFrame stamps magic, version, type, lengths and the auth flag, then
// emits the frame in a single Write so concurrent writers never interleave.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	authLen := uint64(len(f.Auth))
	payloadLen := uint64(len(f.Payload))
	if authLen > limits.MaxAuthBytes {
		return ErrAuthTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if payloadLen == 0 {
		return ErrEmptyPayload
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	if h.MessageType == 0 {
		h.MessageType = TypeEnvelope
	}
	if h.MessageType != TypeEnvelope {
		return fmt.Errorf("%w: %d", ErrUnknownType, h.MessageType)
	}
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = payloadLen
	h.Flags &^= FlagHasAuth
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	}

	buf := make([]byte, 0, int(h.HeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Auth...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("%w: fixed header is %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
