package dispatch

import (
	"context"

	logx "blastd/pkg/logx"
)

// step is one timer firing for a session: send messages[msgIdx] to
// targets[tgtIdx], then advance the cursor pair.
//
// The table mutex brackets the step: looked up and marked busy on entry,
// presence re-checked before the cursor write-back on exit. A session
// stopped mid-step is simply gone at write-back time, so neither the
// cursors nor the delivery counter are touched after Stop returns.
func (s *Supervisor) step(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		// Stopped between timer arming and firing.
		s.mu.Unlock()
		return
	}
	if sess.busy {
		// Send latency exceeded the period; skip rather than overlap.
		s.mu.Unlock()
		s.log.Debug("dispatch step overlapped, skipping", logx.String("session", id))
		return
	}
	sess.busy = true
	target := sess.targets[sess.tgtIdx]
	message := sess.messages[sess.msgIdx]
	inst := sess.cap
	limiter := s.limiter
	runCtx := s.runCtx
	s.mu.Unlock()

	ctx := runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			// No token inside the deadline. Skip the whole attempt: nothing
			// was sent, so the cursors stay put for the next firing.
			s.log.Debug("rate limiter wait aborted", logx.String("session", id), logx.Err(err))
			s.mu.Lock()
			if cur, live := s.sessions[id]; live && cur == sess {
				cur.busy = false
			}
			s.mu.Unlock()
			return
		}
	}

	addr := inst.Normalize(target)
	sent := true
	if _, err := inst.Send(ctx, addr, message); err != nil {
		// Non-fatal: logged and skipped, the cursor still advances below.
		sent = false
		s.publish(EventDeliveryFailed, DeliveryFailure{ID: id, Target: addr, Err: err.Error()})
		s.log.Warn("send failed",
			logx.String("session", id),
			logx.String("addr", addr),
			logx.Err(err))
	}

	s.mu.Lock()
	cur, live := s.sessions[id]
	if live && cur == sess {
		cur.msgIdx = (cur.msgIdx + 1) % len(cur.messages)
		if cur.msgIdx == 0 {
			// Full pass over messages for this target; move to the next one.
			cur.tgtIdx = (cur.tgtIdx + 1) % len(cur.targets)
		}
		cur.busy = false
		if sent {
			// The increment stays inside the critical section: Stop removes
			// the session under the same mutex, so once Stop returns no
			// increment can land. A failure never rolls back the cursors.
			if _, err := s.store.IncrementDeliveryCount(context.Background(), id); err != nil {
				s.log.Warn("delivery count increment failed", logx.String("session", id), logx.Err(err))
			}
		}
	}
	s.mu.Unlock()
}
