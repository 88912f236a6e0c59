// ABOUTME: Tests for the agent CLI runner using scripted stand-in binaries.
// ABOUTME: Covers reply parsing, session resume, and the failure taxonomy.

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-dispatcher/internal/config"
)

// fakeAgent writes an executable shell script standing in for the agent CLI.
// The script records its argv to argsFile and runs the given body.
func fakeAgent(t *testing.T, body string) (command, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	command = filepath.Join(dir, "agent.sh")
	argsFile = filepath.Join(dir, "args.txt")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\n%s\n", argsFile, body)
	require.NoError(t, os.WriteFile(command, []byte(script), 0755))
	return command, argsFile
}

func testRunner(t *testing.T, command string, timeout time.Duration) *Runner {
	t.Helper()
	return New(config.AgentConfig{
		Command: command,
		Timeout: timeout,
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRun_Success(t *testing.T) {
	command, _ := fakeAgent(t, `echo '{"result": "OK, all pods healthy", "session_id": "agent-sid-1"}'`)
	r := testRunner(t, command, 10*time.Second)

	res, err := r.Run(context.Background(), "web-alice", "status?")
	require.NoError(t, err)
	assert.Equal(t, "OK, all pods healthy", res.Text)
	assert.Equal(t, "agent-sid-1", res.AgentSessionID)
}

func TestRun_ResumesSession(t *testing.T) {
	command, argsFile := fakeAgent(t, `echo '{"result": "hi", "session_id": "agent-sid-7"}'`)
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "web-alice", "first")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "web-alice", "second")
	require.NoError(t, err)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, firstLine(string(args)), "--resume", "first invocation must not resume")
	assert.Contains(t, string(args), "--resume agent-sid-7", "second invocation must resume")
}

func TestRun_ClearSessionDropsResume(t *testing.T) {
	command, argsFile := fakeAgent(t, `echo '{"result": "hi", "session_id": "agent-sid-9"}'`)
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "first")
	require.NoError(t, err)

	r.ClearSession("s1")

	_, err = r.Run(context.Background(), "s1", "second")
	require.NoError(t, err)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(args), "--resume")
}

func TestRun_MalformedOutput(t *testing.T) {
	command, _ := fakeAgent(t, `echo 'this is not json'`)
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrAgentMalformed)
}

func TestRun_EmptyOutput(t *testing.T) {
	command, _ := fakeAgent(t, `true`)
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrAgentMalformed)
}

func TestRun_AbnormalExit(t *testing.T) {
	command, _ := fakeAgent(t, "echo 'credential expired' >&2\nexit 3")
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "credential expired")
}

func TestRun_AgentReportedError(t *testing.T) {
	command, _ := fakeAgent(t, `echo '{"result": "budget exceeded", "is_error": true}'`)
	r := testRunner(t, command, 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Contains(t, err.Error(), "budget exceeded")
}

func TestRun_Timeout(t *testing.T) {
	command, _ := fakeAgent(t, `sleep 10`)
	r := testRunner(t, command, 200*time.Millisecond)

	start := time.Now()
	_, err := r.Run(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must not wait for the full sleep")
}

func TestRun_Canceled(t *testing.T) {
	command, _ := fakeAgent(t, `sleep 10`)
	r := testRunner(t, command, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, "s1", "hello")
	assert.ErrorIs(t, err, ErrAgentCanceled)
}

func TestRun_MissingBinary(t *testing.T) {
	r := testRunner(t, "/nonexistent/agent-binary", 10*time.Second)

	_, err := r.Run(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestHealthy(t *testing.T) {
	r := testRunner(t, "sh", time.Second)
	assert.NoError(t, r.Healthy(context.Background()))

	r2 := testRunner(t, "definitely-not-a-real-binary-name", time.Second)
	assert.ErrorIs(t, r2.Healthy(context.Background()), ErrAgentUnavailable)
}

func TestRunStream_Success(t *testing.T) {
	command, _ := fakeAgent(t, `
echo '{"type": "assistant", "message": {"content": [{"type": "text", "text": "checking "}]}}'
echo '{"type": "assistant", "message": {"content": [{"type": "text", "text": "pods..."}]}}'
echo '{"type": "result", "result": "checking pods... done", "session_id": "agent-sid-3"}'
`)
	r := testRunner(t, command, 10*time.Second)

	events, err := r.RunStream(context.Background(), "ws-1", "status?")
	require.NoError(t, err)

	var chunks []string
	var final *Result
	for evt := range events {
		switch evt.Type {
		case EventText:
			chunks = append(chunks, evt.Text)
		case EventDone:
			final = evt.Result
		case EventError:
			t.Fatalf("unexpected stream error: %v", evt.Err)
		}
	}

	assert.Equal(t, []string{"checking ", "pods..."}, chunks)
	require.NotNil(t, final)
	assert.Equal(t, "checking pods... done", final.Text)

	// Streamed session ids must feed resume just like buffered ones
	res, err := r.Run(context.Background(), "ws-1", "again")
	require.NoError(t, err)
	_ = res
}

func TestRunStream_NoResultLine(t *testing.T) {
	command, _ := fakeAgent(t, `echo '{"type": "assistant", "message": {"content": [{"type": "text", "text": "partial"}]}}'`)
	r := testRunner(t, command, 10*time.Second)

	events, err := r.RunStream(context.Background(), "ws-1", "status?")
	require.NoError(t, err)

	var streamErr error
	for evt := range events {
		if evt.Type == EventError {
			streamErr = evt.Err
		}
	}
	assert.ErrorIs(t, streamErr, ErrAgentMalformed)
}

func TestBoundedBuffer(t *testing.T) {
	b := &boundedBuffer{limit: 8}
	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "writes past the cap must not error")
	assert.Equal(t, "01234567", b.String())
}

func TestClassifyCancelBeatsTimeout(t *testing.T) {
	// When both the parent and run contexts are done, cancellation wins:
	// shutdown must not masquerade as an agent timeout.
	command, _ := fakeAgent(t, `sleep 10`)
	r := testRunner(t, command, 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, "s1", "hello")
	assert.True(t, errors.Is(err, ErrAgentCanceled) || errors.Is(err, ErrAgentUnavailable),
		"pre-canceled context should cancel, got: %v", err)
}
