package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into socket frames and back.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary messages.
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// CodecByName resolves a configured codec name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidFormat)
	}
	return env, nil
}

// MsgpackCodec carries the same envelope shape as JSON in msgpack binary
// frames. The payload travels as a native msgpack map rather than embedded
// JSON text.
type MsgpackCodec struct{}

type msgpackEnvelope struct {
	Type        string  `msgpack:"type"`
	Payload     any     `msgpack:"payload,omitempty"`
	WorkspaceID string  `msgpack:"workspace_id,omitempty"`
	SenderID    string  `msgpack:"sender_id,omitempty"`
	Timestamp   float64 `msgpack:"timestamp,omitempty"`
}

func (MsgpackCodec) Name() string { return CodecMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(env Envelope) ([]byte, error) {
	wire := msgpackEnvelope{
		Type:        string(env.Type),
		WorkspaceID: env.WorkspaceID,
		SenderID:    env.SenderID,
		Timestamp:   env.Timestamp,
	}
	if len(env.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidFormat, err)
		}
		wire.Payload = payload
	}
	return msgpack.Marshal(&wire)
}

func (MsgpackCodec) Decode(data []byte) (Envelope, error) {
	var wire msgpackEnvelope
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if wire.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidFormat)
	}
	env := Envelope{
		Type:        MessageType(wire.Type),
		WorkspaceID: wire.WorkspaceID,
		SenderID:    wire.SenderID,
		Timestamp:   wire.Timestamp,
	}
	if wire.Payload != nil {
		raw, err := json.Marshal(wire.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: payload: %v", ErrInvalidFormat, err)
		}
		env.Payload = raw
	}
	return env, nil
}
