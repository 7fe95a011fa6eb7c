// Package protocol defines the envelope exchanged over the dashboard sync
// socket, the closed set of message types, and the payloads each type carries.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrInvalidFormat = errors.New("invalid envelope")
)

type MessageType string

const (
	TypeTaskUpdate       MessageType = "task_update"
	TypeTaskStatusChange MessageType = "task_status_change"
	TypeDashboardSync    MessageType = "dashboard_sync"
	TypeDashboardState   MessageType = "dashboard_state"
	TypeDashboardFilter  MessageType = "dashboard_filter"
	TypeStateUpdate      MessageType = "state_update"
	TypeNotification     MessageType = "notification"
	TypeBeautifiedStatus MessageType = "beautified_status"
	TypeUserPresence     MessageType = "user_presence"
	TypePing             MessageType = "ping"
	TypeError            MessageType = "error"
)

var knownTypes = map[MessageType]struct{}{
	TypeTaskUpdate:       {},
	TypeTaskStatusChange: {},
	TypeDashboardSync:    {},
	TypeDashboardState:   {},
	TypeDashboardFilter:  {},
	TypeStateUpdate:      {},
	TypeNotification:     {},
	TypeBeautifiedStatus: {},
	TypeUserPresence:     {},
	TypePing:             {},
	TypeError:            {},
}

// Known reports whether t belongs to the closed message type set.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the unit of wire exchange. Payload stays raw until the handler
// for Type decodes it.
type Envelope struct {
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	SenderID    string          `json:"sender_id,omitempty"`
	Timestamp   float64         `json:"timestamp,omitempty"`
}

// NewEnvelope stamps payload with the sender's workspace, user and the
// current time in float seconds.
func NewEnvelope(msgType MessageType, payload any, workspaceID, senderID string, now time.Time) (Envelope, error) {
	if strings.TrimSpace(string(msgType)) == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrInvalidFormat)
	}
	env := Envelope{
		Type:        msgType,
		WorkspaceID: workspaceID,
		SenderID:    senderID,
		Timestamp:   Seconds(now),
	}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = append(json.RawMessage(nil), raw...)
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// DecodePayload unmarshals the raw payload into dst. A missing payload leaves
// dst untouched.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidFormat, e.Type, err)
	}
	return nil
}

// Time converts the float-seconds timestamp back into a time.Time.
func (e Envelope) Time() time.Time {
	if e.Timestamp <= 0 {
		return time.Time{}
	}
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ID is a resource identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// IDString normalizes a decoded JSON id (string, float64, json.Number, int)
// into its string form. It returns "" for anything else.
func IDString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case ID:
		return string(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int:
		return strconv.Itoa(typed)
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", typed)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", typed)
	default:
		return ""
	}
}
