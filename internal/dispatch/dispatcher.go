// ABOUTME: Session manager that serializes and bounds concurrent agent invocations.
// ABOUTME: One in-flight invocation per session, latest-only queuing, global cap with FIFO wait list.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/jarvis-dispatcher/internal/config"
	"github.com/2389/jarvis-dispatcher/internal/runner"
)

var (
	// ErrSuperseded means a queued message was replaced by a newer one
	// before it could run. Its submitter is informed, never silently dropped.
	ErrSuperseded = errors.New("message superseded by a newer one")

	// ErrCapacityExceeded means the global wait list is full. Retry later.
	ErrCapacityExceeded = errors.New("dispatcher at capacity")

	// ErrClosed means the dispatcher has shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// State is a session's invocation state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateQueued
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// AgentRunner is the process-runner surface the dispatcher depends on.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, text string) (*runner.Result, error)
	RunStream(ctx context.Context, sessionID, text string) (<-chan runner.Event, error)
}

// session tracks one conversation's invocation state.
type session struct {
	id           string
	state        State
	pending      *pendingMessage // at most one; newest wins
	createdAt    time.Time
	lastActivity time.Time
}

// pendingMessage is a message held while its session is busy.
type pendingMessage struct {
	text   string
	handle *Handle
}

// waiter is a submission parked on the global FIFO wait list.
type waiter struct {
	sess   *session
	text   string
	handle *Handle
}

// Dispatcher owns all session state. A single mutex guards the session map,
// the running count, and the wait list, so every state transition is one
// critical section.
type Dispatcher struct {
	runner AgentRunner
	logger *slog.Logger

	maxConcurrent int
	queueDepth    int

	mu       sync.Mutex
	sessions map[string]*session
	waitq    []*waiter
	running  int
	closed   bool

	// baseCtx bounds all invocations; canceled by Close.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher bounded by the given dispatch configuration.
func New(r AgentRunner, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		runner:        r,
		logger:        logger.With("component", "dispatch"),
		maxConcurrent: cfg.MaxConcurrent,
		queueDepth:    cfg.QueueDepth,
		sessions:      make(map[string]*session),
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// Submit routes one message into the session's invocation pipeline and
// returns a handle resolving to the terminal result.
//
// An idle session starts immediately when a slot is free, or joins the global
// FIFO wait list otherwise. A busy session holds the message as its single
// pending message; an older pending message resolves with ErrSuperseded.
func (d *Dispatcher) Submit(ctx context.Context, sessionID, text string) (*Handle, error) {
	return d.submit(ctx, sessionID, text, false)
}

// SubmitStream is Submit for interactive channels: the handle additionally
// carries incremental text events. Serialization and the global cap apply
// exactly as for Submit.
func (d *Dispatcher) SubmitStream(ctx context.Context, sessionID, text string) (*Handle, error) {
	return d.submit(ctx, sessionID, text, true)
}

func (d *Dispatcher) submit(ctx context.Context, sessionID, text string, stream bool) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}

	sess := d.sessions[sessionID]
	if sess == nil {
		now := time.Now()
		sess = &session{id: sessionID, createdAt: now, lastActivity: now}
		d.sessions[sessionID] = sess
	}
	sess.lastActivity = time.Now()

	h := newHandle(ctx, uuid.New().String(), sessionID, stream)

	var superseded *Handle

	switch sess.state {
	case StateRunning:
		// Hold as the session's single pending message; newest wins.
		if sess.pending != nil {
			superseded = sess.pending.handle
		}
		sess.pending = &pendingMessage{text: text, handle: h}

	case StateQueued:
		// The session is already parked on the wait list; the newer
		// message takes over its slot so FIFO position is kept.
		for _, w := range d.waitq {
			if w.sess == sess {
				superseded = w.handle
				w.text = text
				w.handle = h
				break
			}
		}

	case StateIdle:
		if d.running < d.maxConcurrent {
			d.startLocked(sess, text, h)
		} else {
			if len(d.waitq) >= d.queueDepth {
				d.mu.Unlock()
				h.abandon(ErrCapacityExceeded)
				return nil, ErrCapacityExceeded
			}
			sess.state = StateQueued
			d.waitq = append(d.waitq, &waiter{sess: sess, text: text, handle: h})
			d.logger.Debug("submission queued",
				"session_id", sessionID,
				"queue_len", len(d.waitq),
			)
		}
	}

	d.mu.Unlock()

	if superseded != nil {
		superseded.abandon(ErrSuperseded)
		d.logger.Info("pending message superseded",
			"session_id", sessionID,
			"invocation_id", superseded.ID,
		)
	}

	return h, nil
}

// startLocked begins an invocation. Caller holds d.mu.
func (d *Dispatcher) startLocked(sess *session, text string, h *Handle) {
	d.running++
	sess.state = StateRunning
	d.wg.Add(1)

	d.logger.Debug("invocation started",
		"session_id", sess.id,
		"invocation_id", h.ID,
		"running", d.running,
	)

	go d.run(sess, text, h)
}

// run executes one invocation outside the lock and completes it.
func (d *Dispatcher) run(sess *session, text string, h *Handle) {
	defer d.wg.Done()

	var res *runner.Result
	var err error

	if h.events != nil {
		res, err = d.runStreaming(sess.id, text, h)
	} else {
		res, err = d.runner.Run(d.baseCtx, sess.id, text)
	}

	d.complete(sess, h, res, err)
}

// runStreaming forwards incremental events to the handle until terminal.
func (d *Dispatcher) runStreaming(sessionID, text string, h *Handle) (*runner.Result, error) {
	defer close(h.events)

	events, err := d.runner.RunStream(d.baseCtx, sessionID, text)
	if err != nil {
		return nil, err
	}

	var res *runner.Result
	for evt := range events {
		switch evt.Type {
		case runner.EventText:
			// A gone consumer must not block the producer: once its
			// context is done, incremental text is discarded so the
			// invocation still runs to completion and frees its slot.
			select {
			case h.events <- evt:
			case <-h.consumer.Done():
			case <-d.baseCtx.Done():
			}
		case runner.EventDone:
			res = evt.Result
		case runner.EventError:
			err = evt.Err
		}
	}
	return res, err
}

// complete releases the slot, returns the session to Idle, promotes its
// pending message, and drains the wait list into freed slots.
func (d *Dispatcher) complete(sess *session, h *Handle, res *runner.Result, err error) {
	d.mu.Lock()

	d.running--
	sess.state = StateIdle
	sess.lastActivity = time.Now()

	// The queued message is promoted next, ahead of other sessions'
	// waiting submissions, even when the invocation failed.
	if p := sess.pending; p != nil {
		sess.pending = nil
		sess.state = StateQueued
		d.waitq = append([]*waiter{{sess: sess, text: p.text, handle: p.handle}}, d.waitq...)
	}

	if !d.closed {
		for d.running < d.maxConcurrent && len(d.waitq) > 0 {
			w := d.waitq[0]
			d.waitq = d.waitq[1:]
			d.startLocked(w.sess, w.text, w.handle)
		}
	}

	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("invocation failed",
			"session_id", sess.id,
			"invocation_id", h.ID,
			"error", err,
		)
	}
	h.resolve(res, err)
}

// SessionState returns the current state of a session. Unknown sessions are Idle.
func (d *Dispatcher) SessionState(sessionID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess := d.sessions[sessionID]; sess != nil {
		return sess.state
	}
	return StateIdle
}

// Running returns the number of in-flight invocations.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Close cancels in-flight invocations, fails queued submissions, and waits
// for invocation goroutines to finish. No session is left Running.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true

	var orphaned []*Handle
	for _, w := range d.waitq {
		w.sess.state = StateIdle
		orphaned = append(orphaned, w.handle)
	}
	d.waitq = nil

	for _, sess := range d.sessions {
		if sess.pending != nil {
			orphaned = append(orphaned, sess.pending.handle)
			sess.pending = nil
		}
	}
	d.mu.Unlock()

	// Cancel in-flight invocations; their complete() path resolves handles.
	d.cancel()
	d.wg.Wait()

	for _, h := range orphaned {
		h.abandon(runner.ErrAgentCanceled)
	}

	d.logger.Info("dispatcher closed")
}
