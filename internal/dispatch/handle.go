// ABOUTME: Invocation handle returned by Submit, resolving to the terminal result.
// ABOUTME: Streaming handles additionally expose incremental text events.

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/2389/jarvis-dispatcher/internal/runner"
)

// Handle tracks one submitted message until its invocation reaches a
// terminal state. A handle resolves exactly once.
type Handle struct {
	// ID is the invocation id, unique per submission.
	ID string

	// SessionID is the conversation this message belongs to.
	SessionID string

	// SubmittedAt is when the message entered the dispatcher.
	SubmittedAt time.Time

	// events carries incremental text for streaming submissions; nil otherwise.
	events chan runner.Event

	// consumer is the submitter's context for streaming submissions.
	// Once it is done the dispatcher discards incremental text instead
	// of waiting on a reader that is gone.
	consumer context.Context

	done   chan struct{}
	once   sync.Once
	result *runner.Result
	err    error
}

func newHandle(ctx context.Context, id, sessionID string, stream bool) *Handle {
	h := &Handle{
		ID:          id,
		SessionID:   sessionID,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	if stream {
		h.events = make(chan runner.Event, 16)
		h.consumer = ctx
	}
	return h
}

// Events returns the incremental event stream for a streaming submission.
// The channel is closed before the handle resolves. Nil for buffered
// submissions.
func (h *Handle) Events() <-chan runner.Event {
	return h.events
}

// Done is closed when the handle has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the invocation reaches a terminal state or ctx expires.
func (h *Handle) Wait(ctx context.Context) (*runner.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve records the terminal result. Subsequent calls are no-ops.
func (h *Handle) resolve(res *runner.Result, err error) {
	h.once.Do(func() {
		h.result = res
		h.err = err
		close(h.done)
	})
}

// abandon resolves a handle whose invocation never started, closing the
// event stream so streaming consumers unblock.
func (h *Handle) abandon(err error) {
	h.once.Do(func() {
		if h.events != nil {
			close(h.events)
		}
		h.err = err
		close(h.done)
	})
}
