package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blastd/internal/delivery"
	"blastd/internal/eventbus"
	"blastd/internal/store"
	logx "blastd/pkg/logx"
)

type sentPair struct {
	addr string
	text string
}

type fakeCap struct {
	mu   sync.Mutex
	sent []sentPair

	// sendStarted receives one token per Send entry when set.
	sendStarted chan struct{}
	// proceed blocks Send until readable when set.
	proceed chan struct{}

	fail     bool
	released atomic.Bool
}

func (f *fakeCap) Normalize(target string) string { return target }

func (f *fakeCap) Send(ctx context.Context, addr, text string) (delivery.Receipt, error) {
	if f.sendStarted != nil {
		f.sendStarted <- struct{}{}
	}
	if f.proceed != nil {
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return delivery.Receipt{}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentPair{addr: addr, text: text})
	n := len(f.sent)
	f.mu.Unlock()
	if f.fail {
		return delivery.Receipt{}, errors.New("send refused")
	}
	return delivery.Receipt{ID: fmt.Sprintf("r%d", n), At: time.Now()}, nil
}

func (f *fakeCap) Release(ctx context.Context) error {
	f.released.Store(true)
	return nil
}

func (f *fakeCap) pairs() []sentPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPair(nil), f.sent...)
}

type fakeFactory struct {
	mu   sync.Mutex
	caps []*fakeCap
	err  error

	// template copied into every produced capability.
	sendStarted chan struct{}
	proceed     chan struct{}
	fail        bool
}

func (ff *fakeFactory) acquire(ctx context.Context, mode delivery.Mode, m delivery.Material) (delivery.Capability, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	c := &fakeCap{sendStarted: ff.sendStarted, proceed: ff.proceed, fail: ff.fail}
	ff.caps = append(ff.caps, c)
	return c, nil
}

func (ff *fakeFactory) calls() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.caps)
}

func (ff *fakeFactory) last() *fakeCap {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.caps) == 0 {
		return nil
	}
	return ff.caps[len(ff.caps)-1]
}

func (ff *fakeFactory) all() []*fakeCap {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeCap(nil), ff.caps...)
}

func newTestSupervisor(t *testing.T, ff *fakeFactory, st store.Store) *Supervisor {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	s := New(Config{SendTimeout: 5 * time.Second}, st, ff.acquire, logx.Nop(), nil)
	s.Run(context.Background())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(sctx)
	})
	return s
}

// idleConfig arms a timer far enough out that tests drive steps manually.
func idleConfig(id string, targets, messages []string) SessionConfig {
	return SessionConfig{
		ID:       id,
		Targets:  targets,
		Messages: messages,
		Delay:    time.Hour,
		Mode:     delivery.ModeCredentials,
	}
}

func TestVisitingOrder(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	targets := []string{"t0", "t1", "t2"}
	messages := []string{"m0", "m1"}
	if err := s.Start(context.Background(), idleConfig("order", targets, messages)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const steps = 12
	for i := 0; i < steps; i++ {
		s.step("order")
	}

	got := ff.last().pairs()
	if len(got) != steps {
		t.Fatalf("sent %d pairs, want %d", len(got), steps)
	}
	T, M := len(targets), len(messages)
	for k, p := range got {
		wantAddr := targets[(k/M)%T]
		wantText := messages[k%M]
		if p.addr != wantAddr || p.text != wantText {
			t.Fatalf("step %d = (%s,%s), want (%s,%s)", k, p.addr, p.text, wantAddr, wantText)
		}
	}
}

func TestExampleOrder(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	if err := s.Start(context.Background(), idleConfig("ex", []string{"a", "b"}, []string{"hi", "bye"})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.step("ex")
	}

	want := []sentPair{
		{"a", "hi"}, {"a", "bye"}, {"b", "hi"}, {"b", "bye"}, {"a", "hi"},
	}
	got := ff.last().pairs()
	if len(got) != len(want) {
		t.Fatalf("sent %d pairs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pair %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStartRejectsEmptyLists(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	tests := []struct {
		name     string
		targets  []string
		messages []string
	}{
		{name: "no targets", targets: nil, messages: []string{"hi"}},
		{name: "blank targets", targets: []string{"  ", ""}, messages: []string{"hi"}},
		{name: "no messages", targets: []string{"a"}, messages: nil},
		{name: "blank messages", targets: []string{"a"}, messages: []string{"", "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Start(context.Background(), idleConfig("empty", tt.targets, tt.messages))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if s.IsLive("empty") {
				t.Fatal("session must not be live after rejected start")
			}
			if ff.calls() != 0 {
				t.Fatalf("capability acquired %d times despite invalid config", ff.calls())
			}
		})
	}
}

func TestStartAcquireFailure(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{err: errors.New("handshake refused")}
	s := newTestSupervisor(t, ff, nil)

	err := s.Start(context.Background(), idleConfig("acq", []string{"a"}, []string{"hi"}))
	var ae *delivery.AcquireError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AcquireError", err)
	}
	if s.IsLive("acq") {
		t.Fatal("session must not be live after failed acquisition")
	}
	if len(s.cron.Entries()) != 0 {
		t.Fatalf("timer armed despite failed acquisition: %d entries", len(s.cron.Entries()))
	}
}

func TestRestartReplacesSession(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	cfg := idleConfig("dup", []string{"a", "b"}, []string{"hi"})
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	s.step("dup")
	first := ff.last()

	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("live timers = %d, want exactly 1", n)
	}
	snap, ok := s.Snapshot("dup")
	if !ok {
		t.Fatal("expected live session after restart")
	}
	if snap.TargetIndex != 0 || snap.MessageIndex != 0 {
		t.Fatalf("restart kept cursors (%d,%d), want (0,0)", snap.TargetIndex, snap.MessageIndex)
	}

	waitFor(t, time.Second, func() bool { return first.released.Load() })
}

func TestStopUnknownSession(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	if err := s.Start(context.Background(), idleConfig("known", []string{"a"}, []string{"hi"})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop(ghost) = %v, want ErrNotFound", err)
	}
	if got := s.LiveIDs(); len(got) != 1 || got[0] != "known" {
		t.Fatalf("live table changed by not-found stop: %v", got)
	}
}

func TestStopBlocksLateIncrement(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ff := &fakeFactory{sendStarted: make(chan struct{}, 1), proceed: make(chan struct{})}
	s := newTestSupervisor(t, ff, st)

	ctx := context.Background()
	if _, err := st.CreateSession(ctx, store.Record{ID: "race", Targets: []string{"a"}, Messages: []string{"hi"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(ctx, idleConfig("race", []string{"a"}, []string{"hi"})); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.step("race")
	}()

	<-ff.sendStarted // the step is mid-send
	if err := s.Stop("race"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(ff.proceed) // let the send finish after stop returned
	<-done

	rec, err := st.GetSession(ctx, "race")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.MessageCount != 0 {
		t.Fatalf("counter incremented after stop: %d", rec.MessageCount)
	}
	if s.IsLive("race") {
		t.Fatal("session still live after stop")
	}
}

// gateStore blocks inside IncrementDeliveryCount until released, exposing
// the window between a step's send and its store write.
type gateStore struct {
	store.Store
	entered chan struct{}
	proceed chan struct{}
}

func (g *gateStore) IncrementDeliveryCount(ctx context.Context, id string) (int64, error) {
	g.entered <- struct{}{}
	<-g.proceed
	return g.Store.IncrementDeliveryCount(ctx, id)
}

func TestStopWaitsForPendingIncrement(t *testing.T) {
	t.Parallel()
	gs := &gateStore{Store: store.NewMemory(), entered: make(chan struct{}, 1), proceed: make(chan struct{})}
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, gs)

	ctx := context.Background()
	if _, err := gs.CreateSession(ctx, store.Record{ID: "pend", Targets: []string{"a"}, Messages: []string{"hi"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(ctx, idleConfig("pend", []string{"a"}, []string{"hi"})); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stepDone := make(chan struct{})
	go func() {
		defer close(stepDone)
		s.step("pend")
	}()
	<-gs.entered // send succeeded, increment in flight

	var stopErr error
	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		stopErr = s.Stop("pend")
	}()
	select {
	case <-stopDone:
		t.Fatal("Stop returned while the increment was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gs.proceed)
	<-stopDone
	<-stepDone
	if stopErr != nil {
		t.Fatalf("Stop: %v", stopErr)
	}

	rec, err := gs.GetSession(ctx, "pend")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.MessageCount != 1 {
		t.Fatalf("counter = %d, want 1 recorded before Stop returned", rec.MessageCount)
	}
}

func TestLimiterAbortSkipsAttempt(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	st := store.NewMemory()
	s := New(Config{RatePerSec: 1, SendTimeout: 50 * time.Millisecond}, st, ff.acquire, logx.Nop(), nil)
	s.Run(context.Background())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(sctx)
	})

	ctx := context.Background()
	if _, err := st.CreateSession(ctx, store.Record{ID: "rl", Targets: []string{"a"}, Messages: []string{"m0", "m1"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(ctx, idleConfig("rl", []string{"a"}, []string{"m0", "m1"})); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.step("rl") // burst token available
	s.step("rl") // next token is ~1s out, beyond the send deadline

	if got := ff.last().pairs(); len(got) != 1 {
		t.Fatalf("sends = %d, want 1 (second attempt skipped)", len(got))
	}
	snap, ok := s.Snapshot("rl")
	if !ok {
		t.Fatal("session not live")
	}
	if snap.MessageIndex != 1 {
		t.Fatalf("cursor moved on skipped attempt: msgIdx = %d, want 1", snap.MessageIndex)
	}

	// The skipped attempt cleared busy, so dispatch resumes once the cap lifts.
	s.ApplyRate(0)
	s.step("rl")
	got := ff.last().pairs()
	if len(got) != 2 || got[1].text != "m1" {
		t.Fatalf("session wedged after skipped attempt: %+v", got)
	}
}

func TestFailedSendStillAdvances(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ff := &fakeFactory{fail: true}
	s := newTestSupervisor(t, ff, st)

	ctx := context.Background()
	if _, err := st.CreateSession(ctx, store.Record{ID: "flaky", Targets: []string{"a", "b"}, Messages: []string{"hi"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(ctx, idleConfig("flaky", []string{"a", "b"}, []string{"hi"})); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.step("flaky")
	s.step("flaky")

	snap, ok := s.Snapshot("flaky")
	if !ok {
		t.Fatal("session not live")
	}
	// Two failed single-message steps: target cursor wrapped 0 -> 1 -> 0.
	if snap.MessageIndex != 0 || snap.TargetIndex != 0 {
		t.Fatalf("cursors = (%d,%d) after two steps, want wrapped (0,0)", snap.TargetIndex, snap.MessageIndex)
	}
	got := ff.last().pairs()
	if len(got) != 2 || got[0].addr != "a" || got[1].addr != "b" {
		t.Fatalf("failed sends did not advance over targets: %+v", got)
	}
	rec, _ := st.GetSession(ctx, "flaky")
	if rec.MessageCount != 0 {
		t.Fatalf("failed sends incremented counter: %d", rec.MessageCount)
	}
}

func TestCounterCountsSuccessfulSends(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, st)

	ctx := context.Background()
	if _, err := st.CreateSession(ctx, store.Record{ID: "count", Targets: []string{"a"}, Messages: []string{"x", "y"}}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(ctx, idleConfig("count", []string{"a"}, []string{"x", "y"})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.step("count")
	}

	rec, err := st.GetSession(ctx, "count")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", rec.MessageCount)
	}
}

func TestTimerCadence(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := newTestSupervisor(t, ff, nil)

	cfg := idleConfig("tick", []string{"a"}, []string{"hi"})
	cfg.Delay = 100 * time.Millisecond
	if err := s.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(350 * time.Millisecond)
	if err := s.Stop("tick"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if n := len(ff.last().pairs()); n != 3 {
		t.Fatalf("dispatch steps in 3.5 periods = %d, want 3", n)
	}
}

func TestStartBeforeRun(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	s := New(Config{}, store.NewMemory(), ff.acquire, logx.Nop(), nil)

	err := s.Start(context.Background(), idleConfig("early", []string{"a"}, []string{"hi"}))
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	// The speculatively acquired capability must be released again.
	waitFor(t, time.Second, func() bool {
		c := ff.last()
		return c != nil && c.released.Load()
	})
}

func TestShutdownDrainsSessions(t *testing.T) {
	t.Parallel()
	ff := &fakeFactory{}
	st := store.NewMemory()
	s := New(Config{SendTimeout: time.Second}, st, ff.acquire, logx.Nop(), nil)
	s.Run(context.Background())

	for _, id := range []string{"s1", "s2"} {
		if err := s.Start(context.Background(), idleConfig(id, []string{"a"}, []string{"hi"})); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(sctx)

	if ids := s.LiveIDs(); len(ids) != 0 {
		t.Fatalf("live sessions after shutdown: %v", ids)
	}
	for _, c := range ff.all() {
		waitFor(t, time.Second, c.released.Load)
	}
}

func TestSessionEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	ff := &fakeFactory{}
	s := New(Config{SendTimeout: 5 * time.Second}, store.NewMemory(), ff.acquire, logx.Nop(), bus)
	s.Run(context.Background())
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(sctx)
	})

	if err := s.Start(context.Background(), idleConfig("ev", []string{"a"}, []string{"hi"})); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop("ev"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Start and Stop publish synchronously, so both events are buffered.
	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if se, ok := ev.Data.(SessionEvent); !ok || se.ID != "ev" {
				t.Fatalf("unexpected event payload: %#v", ev.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	if types[0] != EventSessionStarted || types[1] != EventSessionStopped {
		t.Fatalf("event order = %v", types)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
