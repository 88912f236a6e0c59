// Package runner invokes the external reasoning-agent CLI.
//
// Each invocation spawns one bounded subprocess: the prompt goes in via argv,
// the reply comes back as JSON on stdout. The runner tracks agent-side session
// ids so that consecutive messages for the same dispatcher session resume the
// same agent conversation; it does not manage chat history itself.
//
// Failures are classified into four sentinel errors (ErrAgentUnavailable,
// ErrAgentTimeout, ErrAgentMalformed, ErrAgentCanceled) that callers match
// with errors.Is. A timed-out or canceled invocation terminates its
// subprocess with SIGTERM and a bounded grace period before SIGKILL.
//
// RunStream provides incremental delivery for interactive channels using the
// agent's line-delimited JSON output mode; Run buffers the full reply.
package runner
