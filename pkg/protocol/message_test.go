package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "raise request",
			msgType: TypeRaise,
			data:    EventRequest{Event: "StartSession", Value: json.RawMessage(`1`)},
		},
		{
			name:    "event delivery",
			msgType: TypeEvent,
			data:    EventData{Key: "CallChild", Value: json.RawMessage(`2`), Subscriber: "Interface"},
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeRaise,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	msg, err := NewRequest(TypeSubscribe, "req-1", EventRequest{Event: "CallChild", Subscriber: "Interface"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != TypeSubscribe || parsed.ID != "req-1" {
		t.Errorf("parsed = %+v", parsed)
	}

	req, err := parsed.GetEventRequest()
	if err != nil {
		t.Fatalf("GetEventRequest() error = %v", err)
	}
	if req.Event != "CallChild" || req.Subscriber != "Interface" {
		t.Errorf("request = %+v", req)
	}
}

func TestResultMessages(t *testing.T) {
	ok, err := NewResultMessage("a", json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("NewResultMessage() error = %v", err)
	}
	res, err := ok.GetResultData()
	if err != nil {
		t.Fatalf("GetResultData() error = %v", err)
	}
	if res.Error != "" || string(res.Value) != `"hello"` {
		t.Errorf("result = %+v", res)
	}

	failed, err := NewErrorMessage("b", CodeNotSubscribed, errors.New("not subscribed"))
	if err != nil {
		t.Fatalf("NewErrorMessage() error = %v", err)
	}
	if failed.ID != "b" {
		t.Errorf("ID = %q, want b", failed.ID)
	}
	res, err = failed.GetResultData()
	if err != nil {
		t.Fatalf("GetResultData() error = %v", err)
	}
	if res.Code != CodeNotSubscribed || res.Error != "not subscribed" {
		t.Errorf("result = %+v", res)
	}
}

func TestEventMessage(t *testing.T) {
	msg, err := NewEventMessage("Interface", "CallChild", json.RawMessage(`1`), "by name")
	if err != nil {
		t.Fatalf("NewEventMessage() error = %v", err)
	}
	ev, err := msg.GetEventData()
	if err != nil {
		t.Fatalf("GetEventData() error = %v", err)
	}
	if ev.Key != "CallChild" || ev.Subscriber != "Interface" || ev.Message != "by name" || string(ev.Value) != "1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPingPong(t *testing.T) {
	ping, err := NewPingMessage("p1")
	if err != nil {
		t.Fatalf("NewPingMessage() error = %v", err)
	}
	pd, err := ping.GetPingData()
	if err != nil {
		t.Fatalf("GetPingData() error = %v", err)
	}
	if pd.ID != "p1" || pd.Timestamp != ping.Timestamp {
		t.Errorf("ping = %+v, ts %d", pd, ping.Timestamp)
	}

	pong, err := NewPongMessage("p1", 100, 150)
	if err != nil {
		t.Fatalf("NewPongMessage() error = %v", err)
	}
	po, err := pong.GetPongData()
	if err != nil {
		t.Fatalf("GetPongData() error = %v", err)
	}
	if po.LatencyMs != 50 {
		t.Errorf("LatencyMs = %d, want 50", po.LatencyMs)
	}
}

func TestParseMessageErrors(t *testing.T) {
	for _, in := range []string{"", "not json", `{"data":1}`} {
		if _, err := ParseMessage([]byte(in)); err == nil {
			t.Errorf("ParseMessage(%q) should fail", in)
		}
	}
}

func TestIsRequest(t *testing.T) {
	for _, mt := range []MessageType{TypeDeclare, TypeSubscribe, TypeUnsubscribe, TypeRaise, TypeGet, TypeInsert} {
		if !mt.IsRequest() {
			t.Errorf("%s should be a request", mt)
		}
	}
	for _, mt := range []MessageType{TypeResult, TypeEvent, TypePing, TypePong} {
		if mt.IsRequest() {
			t.Errorf("%s should not be a request", mt)
		}
	}
}
