package relay

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-jointattention/internal/config"
)

// State is the session state of the relay.
type State int

const (
	// StateDisabled: not listening for touches.
	StateDisabled State = iota
	// StateArmed: waiting for the tactile sensor.
	StateArmed
	// StateAwaitingCall: session started, waiting for the first CallChild.
	StateAwaitingCall
	// StateAwaitingEnd: at least one call reproduced, waiting for more or EndSession.
	StateAwaitingEnd
)

var stateNames = map[State]string{
	StateDisabled:     "disabled",
	StateArmed:        "armed",
	StateAwaitingCall: "awaiting_call",
	StateAwaitingEnd:  "awaiting_end",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// InSession reports whether remote session events are expected.
func (s State) InSession() bool {
	return s == StateAwaitingCall || s == StateAwaitingEnd
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Status is a snapshot of the relay.
type Status struct {
	Name       string         `json:"name"`
	State      State          `json:"state"`
	Remote     *config.Remote `json:"remote,omitempty"`
	Connected  bool           `json:"connected"`
	SessionID  string         `json:"session_id,omitempty"`
	Sessions   uint64         `json:"sessions"`
	Calls      uint64         `json:"calls"`
	LastCall   int            `json:"last_call,omitempty"`
	LastCallAt *time.Time     `json:"last_call_at,omitempty"`
}
