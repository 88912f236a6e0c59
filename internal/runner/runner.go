// ABOUTME: Runs the external reasoning-agent CLI and manages conversation sessions.
// ABOUTME: Spawns one bounded subprocess per invocation and parses its JSON reply.

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/jarvis-dispatcher/internal/config"
)

// Failure kinds surfaced to the dispatcher. Callers match with errors.Is.
var (
	// ErrAgentUnavailable means the agent binary could not be spawned or
	// exited abnormally.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrAgentTimeout means the invocation exceeded its deadline.
	ErrAgentTimeout = errors.New("agent timeout")

	// ErrAgentMalformed means the agent produced output we could not parse.
	ErrAgentMalformed = errors.New("agent returned malformed output")

	// ErrAgentCanceled means the invocation was canceled externally.
	ErrAgentCanceled = errors.New("agent invocation canceled")
)

const (
	// maxStderrBytes caps the amount of stderr captured from the agent process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is how long we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Result is the terminal output of one successful agent invocation.
type Result struct {
	// Text is the agent's reply.
	Text string

	// AgentSessionID is the agent-side conversation id, used to resume.
	AgentSessionID string

	// Duration is wall-clock time for the invocation.
	Duration time.Duration
}

// agentReply is the JSON object the agent CLI writes to stdout.
type agentReply struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// Runner owns the lifecycle of agent CLI invocations. It tracks the mapping
// from dispatcher session ids to agent-side session ids so the same session
// resumes the same conversation.
type Runner struct {
	cfg    config.AgentConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> agent-side session id
}

// New creates a Runner for the configured agent CLI.
func New(cfg config.AgentConfig, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		logger:   logger.With("component", "runner"),
		sessions: make(map[string]string),
	}
}

// Run sends one message to the agent under the given session and returns its
// reply. The invocation is bounded by the configured timeout; the subprocess
// is terminated on expiry. Ctx cancellation terminates the invocation with
// ErrAgentCanceled.
func (r *Runner) Run(ctx context.Context, sessionID, text string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := r.buildCommand(runCtx, sessionID, text, "json")

	var stdout bytes.Buffer
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrAgentUnavailable, r.cfg.Command, err)
	}

	err := cmd.Wait()
	elapsed := time.Since(start)

	if stderrText := stderr.String(); stderrText != "" {
		r.logger.Debug("agent stderr", "session_id", sessionID, "stderr", stderrText)
	}

	if err != nil {
		return nil, r.classifyWaitError(ctx, runCtx, err, stderr.String())
	}

	reply, err := parseReply(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	if reply.SessionID != "" {
		r.setAgentSession(sessionID, reply.SessionID)
	}

	if reply.IsError {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, reply.Result)
	}

	r.logger.Debug("agent invocation complete",
		"session_id", sessionID,
		"duration", elapsed,
	)

	return &Result{
		Text:           reply.Text(),
		AgentSessionID: reply.SessionID,
		Duration:       elapsed,
	}, nil
}

// buildCommand assembles the agent CLI argv for one invocation.
func (r *Runner) buildCommand(ctx context.Context, sessionID, text, outputFormat string) *exec.Cmd {
	args := []string{
		"-p", text,
		"--output-format", outputFormat,
	}
	if r.cfg.MaxTurns != "" {
		args = append(args, "--max-turns", r.cfg.MaxTurns)
	}
	if r.cfg.MaxBudget != "" {
		args = append(args, "--max-budget-usd", r.cfg.MaxBudget)
	}

	// Load MCP servers explicitly, limited to configured services
	if r.cfg.MCPConfig != "" {
		if _, err := os.Stat(r.cfg.MCPConfig); err == nil {
			args = append(args, "--mcp-config", r.cfg.MCPConfig)
		}
	}
	if tools := AllowedTools(ActiveServices()); tools != "" {
		args = append(args, "--allowedTools", tools)
	}

	// Resume the agent-side conversation if we have one
	if agentSID := r.agentSession(sessionID); agentSID != "" {
		args = append(args, "--resume", agentSID)
	}

	args = append(args, r.cfg.Args...)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkingDir
	cmd.Env = os.Environ()

	// Ask nicely first; CommandContext's default is an immediate SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminationGracePeriod

	return cmd
}

// classifyWaitError maps a subprocess failure to the runner failure taxonomy.
func (r *Runner) classifyWaitError(ctx, runCtx context.Context, err error, stderrText string) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrAgentCanceled, context.Cause(ctx))
	case runCtx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("%w: no reply within %s", ErrAgentTimeout, r.cfg.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit code %d: %s", ErrAgentUnavailable, exitErr.ExitCode(), firstLine(stderrText))
		}
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
}

// parseReply decodes the agent's JSON stdout.
func parseReply(output []byte) (*agentReply, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrAgentMalformed)
	}

	var reply agentReply
	if err := json.Unmarshal(trimmed, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentMalformed, err)
	}
	return &reply, nil
}

// Text returns the user-visible reply text.
func (a *agentReply) Text() string {
	return a.Result
}

// ClearSession drops the agent-side session mapping for a dispatcher session.
// The next message for that session starts a fresh agent conversation.
func (r *Runner) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Healthy reports whether the agent CLI is reachable. Used by the readiness
// endpoint; it does not spawn an invocation.
func (r *Runner) Healthy(ctx context.Context) error {
	if _, err := exec.LookPath(r.cfg.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return nil
}

func (r *Runner) agentSession(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

func (r *Runner) setAgentSession(sessionID, agentSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = agentSID
}

// boundedBuffer is a Writer that keeps at most limit bytes and drops the rest.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	return string(bytes.TrimSpace(b.buf.Bytes()))
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
