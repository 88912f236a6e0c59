// ABOUTME: Streaming invocation support for interactive channels.
// ABOUTME: Parses line-delimited JSON events from the agent CLI as they arrive.

package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType indicates the type of streaming event.
type EventType int

const (
	// EventText is an incremental chunk of assistant text.
	EventText EventType = iota
	// EventDone carries the terminal Result.
	EventDone
	// EventError carries a terminal failure.
	EventError
)

// Event is one streaming update from an in-flight invocation.
type Event struct {
	Type   EventType
	Text   string
	Result *Result
	Err    error
}

// streamLine is one line of the agent's stream-json output.
type streamLine struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Session string `json:"session_id"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// RunStream is Run with incremental delivery: assistant text is emitted as it
// arrives, followed by exactly one EventDone or EventError. The returned
// channel is closed after the terminal event. The channel is lightly
// buffered; a slow consumer backpressures the scanner, not the subprocess.
func (r *Runner) RunStream(ctx context.Context, sessionID, text string) (<-chan Event, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)

	cmd := r.buildCommand(runCtx, sessionID, text, "stream-json")
	stderr := &boundedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: starting %s: %v", ErrAgentUnavailable, r.cfg.Command, err)
	}

	events := make(chan Event, 16)

	go func() {
		defer close(events)
		defer cancel()

		var final *Result

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}

			var line streamLine
			if err := json.Unmarshal(raw, &line); err != nil {
				r.logger.Debug("skipping unparseable stream line", "session_id", sessionID)
				continue
			}

			switch line.Type {
			case "assistant":
				for _, block := range line.Message.Content {
					if block.Type == "text" && block.Text != "" {
						events <- Event{Type: EventText, Text: block.Text}
					}
				}
			case "result":
				if line.Session != "" {
					r.setAgentSession(sessionID, line.Session)
				}
				if line.IsError {
					events <- Event{Type: EventError, Err: fmt.Errorf("%w: %s", ErrAgentUnavailable, line.Result)}
					_ = cmd.Wait()
					return
				}
				final = &Result{
					Text:           line.Result,
					AgentSessionID: line.Session,
					Duration:       time.Since(start),
				}
			}
		}

		if err := cmd.Wait(); err != nil {
			events <- Event{Type: EventError, Err: r.classifyWaitError(ctx, runCtx, err, stderr.String())}
			return
		}

		if final == nil {
			events <- Event{Type: EventError, Err: fmt.Errorf("%w: stream ended without result", ErrAgentMalformed)}
			return
		}

		events <- Event{Type: EventDone, Result: final}
	}()

	return events, nil
}
