package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"blastd/internal/delivery"
	"blastd/internal/eventbus"
	"blastd/internal/store"
	logx "blastd/pkg/logx"
)

const releaseTimeout = 10 * time.Second

// Supervisor owns the live-session table. It is the only writer of live
// session state; the table mutex serializes start, stop and every cursor
// write-back per session id.
type Supervisor struct {
	cfg     Config
	log     logx.Logger
	store   store.Store
	acquire delivery.AcquireFunc
	bus     eventbus.Bus // may be nil

	mu       sync.Mutex
	sessions map[string]*liveSession
	cron     *cron.Cron
	runCtx   context.Context
	running  bool
	limiter  *rate.Limiter
}

func New(cfg Config, st store.Store, acquire delivery.AcquireFunc, log logx.Logger, bus eventbus.Bus) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		store:    st,
		acquire:  acquire,
		bus:      bus,
		sessions: map[string]*liveSession{},
		cron:     cron.New(),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// Run arms the timer runner. Start rejects sessions until Run is called.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.runCtx = ctx
	s.running = true
	s.cron.Start()
	s.log.Info("dispatcher started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Shutdown stops every live session, then stops the timer runner and waits
// for in-flight steps (bounded by ctx).
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("drain stop failed", logx.String("session", id), logx.Err(err))
		}
	}

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("dispatcher shutdown cut short", logx.Err(ctx.Err()))
	}
	s.log.Info("dispatcher stopped", logx.Int("drained", len(ids)))
}

// ApplyRate swaps the outbound rate cap at runtime. 0 removes the cap.
func (s *Supervisor) ApplyRate(perSec int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.RatePerSec = perSec
	if perSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	} else {
		s.limiter = nil
	}
}

// Start validates the config, acquires a delivery capability and arms a
// recurring timer for the session. Starting an id that is already live
// replaces the old session (its timer is cancelled first).
//
// Validation failures and acquisition failures leave no state behind.
func (s *Supervisor) Start(ctx context.Context, sc SessionConfig) error {
	if sc.ID == "" {
		return &ConfigError{Reason: "session id is empty"}
	}
	targets := normalizeList(sc.Targets)
	if len(targets) == 0 {
		return &ConfigError{Reason: "no targets after filtering blanks"}
	}
	messages := normalizeList(sc.Messages)
	if len(messages) == 0 {
		return &ConfigError{Reason: "no messages after filtering blanks"}
	}
	if sc.Delay <= 0 {
		return &ConfigError{Reason: "delay must be positive"}
	}

	actx := ctx
	if s.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.cfg.AcquireTimeout)
		defer cancel()
	}
	inst, err := s.acquire(actx, sc.Mode, sc.Material)
	if err != nil {
		var ae *delivery.AcquireError
		if errors.As(err, &ae) {
			return err
		}
		return &delivery.AcquireError{Mode: sc.Mode, Err: err}
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.releaseAsync(sc.ID, inst)
		return ErrNotRunning
	}
	if old, ok := s.sessions[sc.ID]; ok {
		// Idempotent restart: cancel the old timer before arming the new one
		// so at most one live timer exists per id.
		delete(s.sessions, sc.ID)
		s.cron.Remove(old.entry)
		close(old.done)
		s.releaseAsync(old.id, old.cap)
	}
	sess := &liveSession{
		id:       sc.ID,
		cap:      inst,
		targets:  targets,
		messages: messages,
		delay:    sc.Delay,
		done:     make(chan struct{}),
	}
	s.sessions[sc.ID] = sess
	sess.entry = s.cron.Schedule(every(sc.Delay), cron.FuncJob(func() { s.step(sc.ID) }))
	s.mu.Unlock()

	if es, ok := inst.(delivery.EventSource); ok && s.bus != nil {
		go s.forwardEvents(sc.ID, es, sess.done)
	}
	s.publish(EventSessionStarted, SessionEvent{ID: sc.ID, Targets: len(targets), Messages: len(messages)})

	s.log.Info("session started",
		logx.String("session", sc.ID),
		logx.Int("targets", len(targets)),
		logx.Int("messages", len(messages)),
		logx.Duration("delay", sc.Delay),
		logx.String("mode", string(sc.Mode)))
	return nil
}

// Stop cancels the session's timer, removes it from the live table and
// releases its capability. Once Stop returns, no further delivery attempts
// or counter increments occur for the id; a step already mid-send finishes
// its send but discards the result.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.sessions, id)
	s.cron.Remove(sess.entry)
	close(sess.done)
	s.mu.Unlock()

	s.releaseAsync(id, sess.cap)
	s.publish(EventSessionStopped, SessionEvent{ID: id, Targets: len(sess.targets), Messages: len(sess.messages)})
	s.log.Info("session stopped", logx.String("session", id))
	return nil
}

// IsLive reports live-session table membership.
func (s *Supervisor) IsLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// LiveIDs returns the ids of all live sessions, sorted.
func (s *Supervisor) LiveIDs() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Snapshot returns the session's current cursor position, if live.
func (s *Supervisor) Snapshot(id string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return SessionSnapshot{}, false
	}
	return SessionSnapshot{
		ID:           sess.id,
		TargetIndex:  sess.tgtIdx,
		MessageIndex: sess.msgIdx,
		Targets:      len(sess.targets),
		Messages:     len(sess.messages),
		Delay:        sess.delay,
	}, true
}

// forwardEvents republishes capability lifecycle events on the bus until
// the session is removed or the source closes.
func (s *Supervisor) forwardEvents(id string, es delivery.EventSource, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-es.Events():
			if !ok {
				return
			}
			s.publish(EventCapabilityState, CapabilityState{ID: id, Kind: string(ev.Kind), Reason: ev.Reason})
		}
	}
}

func (s *Supervisor) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// releaseAsync tears the capability down off the caller's path. Teardown
// failures are logged, never surfaced.
func (s *Supervisor) releaseAsync(id string, inst delivery.Capability) {
	if inst == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := inst.Release(ctx); err != nil {
			s.log.Warn("capability release failed", logx.String("session", id), logx.Err(err))
		}
	}()
}
