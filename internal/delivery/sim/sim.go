// Package sim is the simulated delivery driver used outside production.
// It performs no network I/O and is selected by configuration, never by
// branching inside the dispatch core.
package sim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"blastd/internal/delivery"
	logx "blastd/pkg/logx"
)

// AddressSuffix is appended by Normalize when the target carries no domain.
const AddressSuffix = "@sim.local"

type Config struct {
	// Latency delays every send, letting tests exercise overlap and
	// cancellation windows.
	Latency time.Duration

	// FailEvery makes every n-th send per capability fail. 0 disables.
	FailEvery int
}

// Factory returns an AcquireFunc producing simulated capabilities.
func Factory(cfg Config, log logx.Logger) delivery.AcquireFunc {
	return func(ctx context.Context, mode delivery.Mode, m delivery.Material) (delivery.Capability, error) {
		switch mode {
		case delivery.ModeCredentials:
			// An explicitly referenced bundle must exist, like a real driver
			// would insist.
			if f := strings.TrimSpace(m.CredentialFile); f != "" {
				if _, err := os.Stat(f); err != nil {
					return nil, &delivery.AcquireError{Mode: mode, Err: err}
				}
			}
		case delivery.ModePhone:
			if strings.TrimSpace(m.Phone) == "" {
				return nil, &delivery.AcquireError{Mode: mode, Err: errors.New("phone identifier is empty")}
			}
		default:
			return nil, &delivery.AcquireError{Mode: mode, Err: errors.New("unsupported mode")}
		}
		if err := ctx.Err(); err != nil {
			return nil, &delivery.AcquireError{Mode: mode, Err: err}
		}

		c := &capability{cfg: cfg, log: log, mode: mode, events: make(chan delivery.Event, 8)}
		c.emit(delivery.EventAuthenticated, "")
		c.emit(delivery.EventReady, "")
		return c, nil
	}
}

type capability struct {
	cfg  Config
	log  logx.Logger
	mode delivery.Mode

	sends    atomic.Uint64
	released atomic.Bool
	events   chan delivery.Event
}

func (c *capability) Normalize(target string) string {
	t := strings.TrimSpace(target)
	if t == "" || strings.Contains(t, "@") {
		return t
	}
	return t + AddressSuffix
}

func (c *capability) Send(ctx context.Context, addr, text string) (delivery.Receipt, error) {
	if c.released.Load() {
		return delivery.Receipt{}, errors.New("capability released")
	}
	if c.cfg.Latency > 0 {
		t := time.NewTimer(c.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return delivery.Receipt{}, ctx.Err()
		case <-t.C:
		}
	}
	n := c.sends.Add(1)
	if c.cfg.FailEvery > 0 && n%uint64(c.cfg.FailEvery) == 0 {
		return delivery.Receipt{}, fmt.Errorf("simulated failure on send %d", n)
	}
	c.log.Debug("simulated send", logx.String("addr", addr), logx.Int("len", len(text)))
	return delivery.Receipt{ID: fmt.Sprintf("sim-%d", n), At: time.Now()}, nil
}

func (c *capability) Release(ctx context.Context) error {
	if c.released.Swap(true) {
		return nil
	}
	c.emit(delivery.EventDisconnected, "released")
	return nil
}

func (c *capability) Events() <-chan delivery.Event { return c.events }

func (c *capability) emit(kind delivery.EventKind, reason string) {
	select {
	case c.events <- delivery.Event{Kind: kind, Reason: reason, At: time.Now()}:
	default:
	}
}
