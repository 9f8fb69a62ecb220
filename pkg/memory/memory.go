// Package memory provides the robot's shared memory and event bus.
//
// A Bus holds named keys and events in process. A Server exposes a Bus to
// other processes and robots over WebSocket, and a Client gives remote access
// to it through the same Memory interface, so modules do not care whether
// the memory they talk to is local or on another robot.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Memory is the interface to a robot's memory and event bus.
//
// At most one subscription exists per (event, subscriber) pair. Subscribing
// again replaces the handler.
type Memory interface {
	// DeclareEvent announces an event generated by the caller.
	DeclareEvent(ctx context.Context, name string) error

	// RaiseEvent stores value under the event key and notifies subscribers.
	RaiseEvent(ctx context.Context, name string, value Value) error

	// RaiseEventWithMessage is RaiseEvent with a free-form message attached.
	RaiseEventWithMessage(ctx context.Context, name string, value Value, message string) error

	// SubscribeToEvent registers h for event under the subscriber name.
	SubscribeToEvent(ctx context.Context, event, subscriber string, h Handler) error

	// UnsubscribeToEvent removes the subscription. It returns
	// ErrNotSubscribed when there is none.
	UnsubscribeToEvent(ctx context.Context, event, subscriber string) error

	// GetData returns the last value stored under key.
	GetData(ctx context.Context, key string) (Value, error)

	// InsertData stores value under key without notifying anyone.
	InsertData(ctx context.Context, key string, value Value) error

	// Close releases the memory. Further calls return ErrClosed.
	Close() error
}

// Ensure implementations satisfy Memory
var (
	_ Memory = (*Bus)(nil)
	_ Memory = (*Client)(nil)
)

// Event is delivered to subscribers when an event is raised.
type Event struct {
	Key     string
	Value   Value
	Message string
}

// Handler is called once per delivered event. The handlers of one
// subscriber run one at a time, in delivery order.
type Handler func(Event)

// Value is an opaque JSON-encoded value. The zero Value is null.
type Value []byte

// NewValue encodes v as a Value.
func NewValue(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return Value(data), nil
}

// IntValue returns the Value of an integer.
func IntValue(n int) Value {
	v, _ := NewValue(n)
	return v
}

// StringValue returns the Value of a string.
func StringValue(s string) Value {
	v, _ := NewValue(s)
	return v
}

// IsNull reports whether the value is empty or JSON null.
func (v Value) IsNull() bool {
	return len(v) == 0 || string(v) == "null"
}

// Int decodes the value as an integer. Floats with no fraction are accepted.
func (v Value) Int() (int, error) {
	if v.IsNull() {
		return 0, fmt.Errorf("value is null")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, fmt.Errorf("value %s is not a number", v)
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("value %s is not an integer", v)
	}
	return int(f), nil
}

// Decode unmarshals the value into out.
func (v Value) Decode(out any) error {
	if v.IsNull() {
		return nil
	}
	return json.Unmarshal(v, out)
}

// Raw returns the value as a json.RawMessage. Null values return nil.
func (v Value) Raw() json.RawMessage {
	if v.IsNull() {
		return nil
	}
	return json.RawMessage(v)
}

// String returns the JSON text of the value.
func (v Value) String() string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}

// MarshalJSON embeds the value verbatim.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON keeps a copy of the raw JSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}
