// Package wire defines the JSON envelopes exchanged with the show-control
// server. Transports carry one envelope per message; framing is theirs.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type names one envelope kind.
type Type string

const (
	// client -> server
	TypeBundlesRequest Type = "bundles.request"
	TypeSubscribe      Type = "replicant.subscribe"
	TypeMessage        Type = "message"

	// server -> client
	TypeBundles    Type = "bundles"
	TypeReplicant  Type = "replicant.value"
	TypeMessageAck Type = "message.ack"
)

const MaxEnvelopeBytes = 8 * 1024 * 1024

var (
	ErrProtocol         = errors.New("wire: protocol error")
	ErrEnvelopeTooLarge = fmt.Errorf("%w: envelope too large", ErrProtocol)
)

// Envelope is the single message shape on the wire. Which fields are set
// depends on Type.
type Envelope struct {
	Type Type `json:"type"`
	// ID correlates a message with its message.ack.
	ID     uint64 `json:"id,omitempty"`
	Bundle string `json:"bundle,omitempty"`
	// Name is the replicant name or the command name.
	Name string `json:"name,omitempty"`
	// Payload is the replicant value, command arguments or ack result.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Bundles is the manifest: bundle name -> reported version.
	Bundles map[string]string `json:"bundles,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Known reports whether the envelope type is part of this protocol.
func (e Envelope) Known() bool {
	switch e.Type {
	case TypeBundlesRequest, TypeSubscribe, TypeMessage, TypeBundles, TypeReplicant, TypeMessageAck:
		return true
	default:
		return false
	}
}

// Validate checks the fields required by known types. Unknown types pass so
// that newer servers can add kinds without breaking older clients.
func (e Envelope) Validate() error {
	switch e.Type {
	case "":
		return fmt.Errorf("%w: missing type", ErrProtocol)
	case TypeSubscribe, TypeReplicant:
		if strings.TrimSpace(e.Bundle) == "" {
			return fmt.Errorf("%w: %s missing bundle", ErrProtocol, e.Type)
		}
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("%w: %s missing name", ErrProtocol, e.Type)
		}
	case TypeMessage:
		if e.ID == 0 {
			return fmt.Errorf("%w: message missing id", ErrProtocol)
		}
		if strings.TrimSpace(e.Bundle) == "" {
			return fmt.Errorf("%w: message missing bundle", ErrProtocol)
		}
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("%w: message missing name", ErrProtocol)
		}
	case TypeMessageAck:
		if e.ID == 0 {
			return fmt.Errorf("%w: message.ack missing id", ErrProtocol)
		}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: %s payload is not valid json", ErrProtocol, e.Type)
	}
	return nil
}

// Encode validates and marshals env.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, ErrEnvelopeTooLarge
	}
	return data, nil
}

// Decode unmarshals and validates one envelope. Every failure wraps ErrProtocol.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if env.Type == TypeBundles && env.Bundles == nil {
		// an empty manifest encodes without the field
		env.Bundles = map[string]string{}
	}
	return env, nil
}

func BundlesRequest() Envelope {
	return Envelope{Type: TypeBundlesRequest}
}

func Subscribe(bundle, name string) Envelope {
	return Envelope{Type: TypeSubscribe, Bundle: bundle, Name: name}
}

// Message builds a command envelope. payload may be nil.
func Message(id uint64, bundle, command string, payload any) (Envelope, error) {
	env := Envelope{Type: TypeMessage, ID: id, Bundle: bundle, Name: command}
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("wire: encode %s payload: %w", command, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func Manifest(bundles map[string]string) Envelope {
	if bundles == nil {
		bundles = map[string]string{}
	}
	return Envelope{Type: TypeBundles, Bundles: bundles}
}

func ReplicantValue(bundle, name string, value json.RawMessage) Envelope {
	return Envelope{Type: TypeReplicant, Bundle: bundle, Name: name, Payload: value}
}

func Ack(id uint64, result json.RawMessage) Envelope {
	return Envelope{Type: TypeMessageAck, ID: id, Payload: result}
}

func AckError(id uint64, message string) Envelope {
	return Envelope{Type: TypeMessageAck, ID: id, Error: message}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("raw payload is not valid json")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("raw payload is not valid json")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
