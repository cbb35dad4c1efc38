package dispatch

import (
	"time"

	"github.com/robfig/cron/v3"

	"blastd/internal/delivery"
)

type Config struct {
	// RatePerSec caps outbound sends across all sessions. 0 disables the cap.
	RatePerSec int

	// AcquireTimeout bounds capability acquisition during Start.
	AcquireTimeout time.Duration

	// SendTimeout bounds a single send attempt inside a dispatch step.
	SendTimeout time.Duration
}

// SessionConfig is the normalized input to Start. Targets and Messages are
// copied at start time and frozen for the session's lifetime.
type SessionConfig struct {
	ID       string
	Targets  []string
	Messages []string
	Delay    time.Duration
	Mode     delivery.Mode
	Material delivery.Material
}

// liveSession is the supervisor-owned state for one running session.
// All fields except cap and the frozen lists are guarded by the table mutex.
type liveSession struct {
	id    string
	cap   delivery.Capability
	entry cron.EntryID

	targets  []string
	messages []string
	delay    time.Duration

	// Cursor pair. Invariant while live:
	// 0 <= msgIdx < len(messages), 0 <= tgtIdx < len(targets).
	msgIdx int
	tgtIdx int

	// busy marks a step in flight; an overlapping firing skips.
	busy bool

	// done is closed when the session leaves the table. It bounds the
	// capability event forwarder.
	done chan struct{}
}

// every is a fixed-interval cron schedule. Unlike cron.Every it carries
// sub-second resolution.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// SessionSnapshot is a point-in-time copy of a live session's position.
type SessionSnapshot struct {
	ID           string
	TargetIndex  int
	MessageIndex int
	Targets      int
	Messages     int
	Delay        time.Duration
}
