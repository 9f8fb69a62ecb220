// Package hub fans messages out to WebSocket clients over channels.
package hub

// MessageType indicates the websocket message format
type MessageType int

const (
	// TextMessage is a JSON-encoded message
	TextMessage MessageType = iota
	// BinaryMessage is raw binary data
	BinaryMessage
)

// Message is one frame queued for every client.
type Message struct {
	Type MessageType
	Data []byte
}

// NewTextMessage wraps pre-encoded JSON.
func NewTextMessage(data []byte) Message {
	return Message{Type: TextMessage, Data: data}
}

// NewBinaryMessage wraps raw bytes.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
