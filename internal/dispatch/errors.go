package dispatch

import "errors"

// ErrNotFound is returned by Stop for ids with no live session.
var ErrNotFound = errors.New("no live session for id")

// ErrNotRunning is returned by Start before Run or after Shutdown.
var ErrNotRunning = errors.New("dispatcher is not running")

// ConfigError marks a start request rejected before any side effects:
// no timer armed, no capability acquired.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid session config: " + e.Reason }
