// Package robot provides the local robot services used by the relay:
// audio playback and behavior execution.
//
// Interfaces are kept small so consumers depend only on what they use.
package robot

import "context"

// AudioPlayer plays sound files stored on the robot.
type AudioPlayer interface {
	PlayFile(ctx context.Context, path string) error
}

// BehaviorRunner runs named behaviors installed on the robot.
type BehaviorRunner interface {
	RunBehavior(ctx context.Context, name string) error
}

// StatusController provides robot status queries.
type StatusController interface {
	GetDaemonStatus(ctx context.Context) (string, error)
}

// VolumeController provides audio volume control.
type VolumeController interface {
	SetVolume(ctx context.Context, level int) error
}

// Controller combines the services the relay needs.
type Controller interface {
	AudioPlayer
	BehaviorRunner
}

// Ensure implementations satisfy the interfaces
var (
	_ Controller       = (*HTTPController)(nil)
	_ StatusController = (*HTTPController)(nil)
	_ VolumeController = (*HTTPController)(nil)
	_ Controller       = (*Mock)(nil)
)
