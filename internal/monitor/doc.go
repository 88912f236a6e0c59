// Package monitor runs periodic health checks through the agent and turns
// findings into alerts.
//
// A single tick loop launches due checks as independent goroutines; a
// check's lastRun advances when its run starts, so a slow check delays
// nothing and is never due twice concurrently. Checks are submitted through
// the dispatcher under a dedicated session per check, which serializes them
// and counts them against the global concurrency cap like any user session.
//
// A reply containing an all-clear marker produces no alert. Anything else is
// fingerprinted (BLAKE3 of the normalized text) and fanned out through the
// notifier unless the identical condition was already announced within the
// silence window; an unresolved condition re-announces when the window
// elapses. Failed checks are announced as warnings, never dropped silently.
package monitor
