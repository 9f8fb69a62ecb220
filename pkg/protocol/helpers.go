package protocol

import "encoding/json"

// Error codes carried in ResultData.Code.
const (
	CodeNotSubscribed = "not_subscribed"
	CodeKeyNotFound   = "key_not_found"
	CodeClosed        = "closed"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewRequest creates a request message of the given type.
func NewRequest(msgType MessageType, id string, req EventRequest) (*Message, error) {
	msg, err := NewMessage(msgType, req)
	if err != nil {
		return nil, err
	}
	return msg.WithID(id), nil
}

// NewResultMessage creates a successful result carrying value (may be nil).
func NewResultMessage(id string, value json.RawMessage) (*Message, error) {
	msg, err := NewMessage(TypeResult, ResultData{Value: value})
	if err != nil {
		return nil, err
	}
	return msg.WithID(id), nil
}

// NewErrorMessage creates a failed result.
func NewErrorMessage(id, code string, err error) (*Message, error) {
	msg, mErr := NewMessage(TypeResult, ResultData{Error: err.Error(), Code: code})
	if mErr != nil {
		return nil, mErr
	}
	return msg.WithID(id), nil
}

// NewEventMessage creates an event delivery for a subscriber.
func NewEventMessage(subscriber, key string, value json.RawMessage, message string) (*Message, error) {
	return NewMessage(TypeEvent, EventData{
		Key:        key,
		Value:      value,
		Message:    message,
		Subscriber: subscriber,
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	msg, err := NewMessage(TypePing, nil)
	if err != nil {
		return nil, err
	}
	msg.Data, err = json.Marshal(PingData{ID: id, Timestamp: msg.Timestamp})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetEventRequest extracts a request payload from a message
func (m *Message) GetEventRequest() (*EventRequest, error) {
	var data EventRequest
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResultData extracts result data from a message
func (m *Message) GetResultData() (*ResultData, error) {
	var data ResultData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetEventData extracts event data from a message
func (m *Message) GetEventData() (*EventData, error) {
	var data EventData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
