package engine

import "errors"

var (
	// ErrClosed is returned by Submit and Continue after Close.
	ErrClosed = errors.New("engine closed")

	// ErrNotRunning is returned by Wait and Stop for a pid this engine is
	// not driving.
	ErrNotRunning = errors.New("process not running in this engine")

	// ErrAlreadyRunning is returned by Continue for a pid this engine is
	// already driving.
	ErrAlreadyRunning = errors.New("process already running in this engine")
)
