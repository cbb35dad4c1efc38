// Package dispatch owns the live-session table and the per-session
// dispatch timers.
//
// Each live session holds an acquired delivery capability, immutable
// target/message lists, and a cursor pair. A shared cron runner fires one
// dispatch step per session per period: send one message to one target,
// then advance the cursors round-robin (all messages against a target
// before moving to the next target). Sessions run until explicitly
// stopped; a failed send is logged and skipped, never retried in place.
package dispatch
