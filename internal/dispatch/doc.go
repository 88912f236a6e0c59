// Package dispatch serializes and bounds invocations into the reasoning agent.
//
// The Dispatcher guarantees two invariants: a session never has more than one
// in-flight invocation, and the number of in-flight invocations across all
// sessions never exceeds the configured cap. A message for a busy session is
// held as that session's single pending message — a newer message supersedes
// an older pending one, and the superseded submitter is told so. Idle
// sessions that cannot start because the cap is reached wait on a global
// FIFO list, bounded by queue_depth; overflow is reported as
// ErrCapacityExceeded, a retry-later signal.
//
// All state transitions happen under one mutex, so there is a single
// mutation point per transition. Invocations themselves run in goroutines
// outside the lock. Close cancels everything in flight and resolves every
// outstanding handle; no session is left stuck Running.
package dispatch
