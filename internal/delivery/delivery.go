// Package delivery defines the pluggable capability boundary that actually
// transmits messages. The dispatch core consumes this contract; concrete
// drivers live in subpackages (sim, telegram).
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode selects how a capability authenticates when acquired.
type Mode string

const (
	// ModeCredentials authenticates with an opaque credential bundle
	// (e.g. a token file).
	ModeCredentials Mode = "credentials"

	// ModePhone authenticates by pairing against a phone identifier.
	ModePhone Mode = "phone"
)

// ParseMode maps the wire tags accepted by the API onto a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "credentials", "credential-bundle":
		return ModeCredentials, nil
	case "phone", "phone-identifier":
		return ModePhone, nil
	default:
		return "", fmt.Errorf("unknown connection mode %q", raw)
	}
}

// Material carries the authentication inputs for Acquire. Which field is
// read depends on the mode; both may be set.
type Material struct {
	CredentialFile string
	Phone          string
}

// Receipt identifies one accepted send.
type Receipt struct {
	ID string
	At time.Time
}

// Capability is one live delivery instance. Send and Release may take
// arbitrarily long; callers bound them with the context.
type Capability interface {
	// Normalize maps a raw target into the address form this capability
	// sends to. Must be idempotent.
	Normalize(target string) string

	Send(ctx context.Context, addr, text string) (Receipt, error)

	// Release tears the instance down. Best-effort; errors are for logging.
	Release(ctx context.Context) error
}

// AcquireFunc creates a capability instance for the given mode. Drivers
// expose one; the app wires it into the dispatcher.
type AcquireFunc func(ctx context.Context, mode Mode, m Material) (Capability, error)

// EventKind tags informational lifecycle events a capability may emit.
type EventKind string

const (
	EventReady         EventKind = "ready"
	EventAuthenticated EventKind = "authenticated"
	EventDisconnected  EventKind = "disconnected"
)

type Event struct {
	Kind   EventKind
	Reason string
	At     time.Time
}

// EventSource is optionally implemented by capabilities that surface
// lifecycle events. Consumers must never block on the channel.
type EventSource interface {
	Events() <-chan Event
}
