package memory

import "errors"

var (
	// ErrNotSubscribed is returned when removing a subscription that does not exist.
	ErrNotSubscribed = errors.New("not subscribed to event")

	// ErrKeyNotFound is returned when reading a key that was never written.
	ErrKeyNotFound = errors.New("memory key not found")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("memory closed")

	// ErrInvalidName is returned for empty event, key or subscriber names.
	ErrInvalidName = errors.New("invalid name")

	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("nil event handler")
)
