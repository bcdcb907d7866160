package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/showlink/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte(`{"type":"bundles.request"}`)
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: TypeEnvelope},
		Auth:    []byte("key"),
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("defaults not stamped: %+v", out.Header)
	}
	if out.Header.MessageType != TypeEnvelope || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if out.Header.Flags&FlagHasAuth == 0 || string(out.Auth) != "key" {
		t.Fatalf("auth mismatch: flags=%x auth=%q", out.Header.Flags, string(out.Auth))
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: 0xEDCE1001, Version: Version, HeaderLen: FixedHeaderLen, MessageType: TypeEnvelope}
	_, err := ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
	h = Header{Magic: Magic, Version: 9, HeaderLen: FixedHeaderLen, MessageType: TypeEnvelope}
	_, err = ReadFrame(bytes.NewReader(EncodeHeader(h)), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVer) {
		t.Fatalf("expected ErrUnsupportedVer, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: 8, MessageID: 1, MessageType: 1, PayloadLen: 0}
	buf := EncodeHeader(h)
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameAuthFlagWithoutAuthBytes(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageID: 1, MessageType: 1, Flags: FlagHasAuth, PayloadLen: 0}
	buf := EncodeHeader(h)
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestWriteFrameEnforcesLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxAuthBytes: 2, MaxPayloadBytes: 4}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Auth: []byte("abc")}, limits); !errors.Is(err, ErrAuthTooLarge) {
		t.Fatalf("expected ErrAuthTooLarge, got %v", err)
	}
	if err := WriteFrame(&buf, Frame{Payload: []byte("abcde")}, limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected frames must not write bytes")
	}
}

func TestReadFrameRejectsNonEnvelopeHeaders(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		h    Header
		want error
	}{
		{"unknown type", Header{MessageType: 7, PayloadLen: 2}, ErrUnknownType},
		{"unknown flags", Header{MessageType: TypeEnvelope, Flags: 0x10, PayloadLen: 2}, ErrUnknownFlags},
		{"auth bytes without flag", Header{MessageType: TypeEnvelope, HeaderLen: FixedHeaderLen + 3, PayloadLen: 2}, ErrHeaderLenMismatch},
		{"empty payload", Header{MessageType: TypeEnvelope}, ErrEmptyPayload},
	}
	for _, tc := range cases {
		h := tc.h
		h.Magic, h.Version = Magic, Version
		if h.HeaderLen == 0 {
			h.HeaderLen = FixedHeaderLen
		}
		wire := append(EncodeHeader(h), make([]byte, 64)...)
		_, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: rejection should wrap ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	testlog.Start(t)
	h := Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, MessageID: 9, MessageType: TypeEnvelope, PayloadLen: 10}
	wire := append(EncodeHeader(h), []byte(`{"a"`)...)
	_, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if errors.Is(err, ErrMalformed) {
		t.Fatalf("truncation is a transport failure, not a malformed header: %v", err)
	}
}

func TestWriteFrameRejectsEmptyAndForeignFrames(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{}, DefaultLimits()); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	f := Frame{Header: Header{MessageType: 2}, Payload: []byte(`{}`)}
	if err := WriteFrame(&buf, f, DefaultLimits()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected frames must not write bytes")
	}
}
