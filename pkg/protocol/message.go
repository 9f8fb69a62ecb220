// Package protocol defines the WebSocket message types of the memory bus.
// It is shared by the bus server (robot hosting the memory) and its clients
// (modules on the same or another robot).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Server requests
	TypeDeclare     MessageType = "declare"     // Declare an event
	TypeSubscribe   MessageType = "subscribe"   // Subscribe to an event
	TypeUnsubscribe MessageType = "unsubscribe" // Drop a subscription
	TypeRaise       MessageType = "raise"       // Raise an event
	TypeGet         MessageType = "get"         // Read a memory key
	TypeInsert      MessageType = "insert"      // Write a memory key

	// Server → Client messages
	TypeResult MessageType = "result" // Reply to a request, matched by ID
	TypeEvent  MessageType = "event"  // Event delivered to a subscription

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// IsRequest reports whether t expects a TypeResult reply.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeDeclare, TypeSubscribe, TypeUnsubscribe, TypeRaise, TypeGet, TypeInsert:
		return true
	}
	return false
}

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"` // Request/result correlation
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// WithID sets the correlation ID and returns the message.
func (m *Message) WithID(id string) *Message {
	m.ID = id
	return m
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Request payloads
// =============================================================================

// EventRequest is the payload of declare, subscribe, unsubscribe, raise,
// get and insert requests. Unused fields are omitted.
type EventRequest struct {
	Event      string          `json:"event"`
	Subscriber string          `json:"subscriber,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// =============================================================================
// Server → Client payloads
// =============================================================================

// ResultData is the reply to a request. Error is empty on success.
type ResultData struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"` // Machine-readable error kind
}

// EventData is an event delivered to a subscriber.
type EventData struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Message    string          `json:"message,omitempty"`
	Subscriber string          `json:"subscriber"`
}

// =============================================================================
// Bidirectional payloads
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
