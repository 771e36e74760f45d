// Package protocol defines the presence wire protocol shared by the server
// and the client: event names, payload shapes, and the JSON envelope codec.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// ConnectionID identifies one live transport session. It is assigned by the
// server transport on connect and is never reused while the registry still
// references it.
type ConnectionID string

// Event names a message kind on the wire.
type Event string

// Client → server events.
const (
	EventInitPos         Event = "init-pos"
	EventSyncPos         Event = "sync-pos"
	EventMouseClickPoint Event = "mouse-click-point"
	EventChat            Event = "chat"
)

// Server → client events. mouse-click-point, chat and sync-pos reuse the
// client event names with an attributed payload.
const (
	EventFull      Event = "full"
	EventOthersPos Event = "others-pos"
	EventUserJoin  Event = "user-join"
	EventUserLeave Event = "user-leave"
)

// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Position is a point in scene space. Y is up; the ground plane is X/Z.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Origin is the default position of a freshly admitted connection.
var Origin = Position{}

// Vec returns the position as a vector.
func (p Position) Vec() mgl64.Vec3 {
	return mgl64.Vec3{p.X, p.Y, p.Z}
}

// FromVec converts a vector into a Position.
func FromVec(v mgl64.Vec3) Position {
	return Position{X: v[0], Y: v[1], Z: v[2]}
}

// PresenceTable is the others-pos payload: every other admitted connection
// and its last known position.
type PresenceTable map[ConnectionID]Position

// UserJoin is the user-join payload.
type UserJoin struct {
	ClientID ConnectionID `json:"clientId"`
	Position Position     `json:"position"`
}

// PointerRelay is the server → client mouse-click-point payload. A nil
// MouseClickPoint means the sender has no movement intent.
type PointerRelay struct {
	ClientID        ConnectionID `json:"clientId"`
	MouseClickPoint *Position    `json:"mouseClickPoint"`
}

// ChatRelay is the server → client chat payload.
type ChatRelay struct {
	ClientID ConnectionID `json:"clientId"`
	Message  string       `json:"message"`
}

// PositionRelay is the server → client sync-pos payload.
type PositionRelay struct {
	ClientID ConnectionID `json:"clientId"`
	Position Position     `json:"position"`
}

// Envelope is a single frame on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope for event. A nil payload produces
// an envelope without data.
//
// Postcondition: Returns the JSON frame or a non-nil error.
func Encode(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", event, err)
	}
	return out, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event Event, payload any) []byte {
	out, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return out
}

// Decode parses a frame into an envelope.
//
// Postcondition: Returns an envelope with a non-empty Event, or an error
// wrapping ErrMalformedEnvelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	return env, nil
}

// Bind unmarshals the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, e.Event, err)
	}
	return nil
}

// IsNull reports whether the envelope data is absent or JSON null.
func (e Envelope) IsNull() bool {
	return len(e.Data) == 0 || string(e.Data) == "null"
}
