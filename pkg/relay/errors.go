package relay

import "errors"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay closed")

	// ErrNotArmed is returned when a touch arrives while no session can start.
	ErrNotArmed = errors.New("relay not armed")

	// ErrNoSession is returned for session events outside a session.
	ErrNoSession = errors.New("no active session")

	// ErrSessionActive is returned when enabling during a session.
	ErrSessionActive = errors.New("session in progress")

	// ErrNoRemote is returned when no remote endpoint is known.
	ErrNoRemote = errors.New("no remote endpoint configured")

	// ErrUnknownTask is returned by StartTask for unsupported commands.
	ErrUnknownTask = errors.New("unknown task")
)
