// ABOUTME: Minimal stand-in for the agent CLI — speaks the -p/--resume/--output-format contract.
// ABOUTME: Usage: fake-claude -p "msg" [--output-format json|stream-json] (env: FAKE_CLAUDE_*)

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// reply mirrors the JSON object the real agent CLI writes to stdout.
type reply struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// streamLine mirrors one line of --output-format stream-json output.
type streamLine struct {
	Type      string          `json:"type"`
	Result    string          `json:"result,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Message   *assistantEvent `json:"message,omitempty"`
}

type assistantEvent struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// options collected from the claude-style argv.
type options struct {
	prompt       string
	outputFormat string
	resume       string
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	// Failure injection for runner tests and local development.
	if os.Getenv("FAKE_CLAUDE_EXIT") != "" {
		code, _ := strconv.Atoi(os.Getenv("FAKE_CLAUDE_EXIT"))
		fmt.Fprintln(os.Stderr, "fake-claude: injected failure")
		os.Exit(code)
	}
	if delay := os.Getenv("FAKE_CLAUDE_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			log.Fatalf("invalid FAKE_CLAUDE_DELAY: %v", err)
		}
		time.Sleep(d)
	}

	sessionID := opts.resume
	if sessionID == "" {
		sessionID = "fake-" + uuid.NewString()
	}

	text := os.Getenv("FAKE_CLAUDE_REPLY")
	if text == "" {
		text = "echo: " + opts.prompt
	}
	isError := os.Getenv("FAKE_CLAUDE_IS_ERROR") == "true"

	switch opts.outputFormat {
	case "stream-json":
		emitStream(text, sessionID, isError)
	default:
		emitJSON(reply{Result: text, SessionID: sessionID, IsError: isError})
	}
}

func parseArgs(args []string) (options, error) {
	opts := options{outputFormat: "json"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("-p requires a value")
			}
			opts.prompt = args[i]
		case "--output-format":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--output-format requires a value")
			}
			opts.outputFormat = args[i]
		case "--resume":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--resume requires a value")
			}
			opts.resume = args[i]
		case "--max-turns", "--max-budget-usd", "--mcp-config", "--allowedTools":
			// Accepted and ignored; the real CLI takes these too.
			i++
		}
	}

	if opts.prompt == "" {
		return opts, fmt.Errorf("-p <prompt> is required")
	}
	return opts, nil
}

func emitJSON(r reply) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(r); err != nil {
		log.Fatal(err)
	}
}

// emitStream writes the reply word by word as assistant events, then the
// terminal result line, the way --output-format stream-json behaves.
func emitStream(text, sessionID string, isError bool) {
	enc := json.NewEncoder(os.Stdout)

	for _, word := range strings.SplitAfter(text, " ") {
		line := streamLine{
			Type:    "assistant",
			Message: &assistantEvent{Content: []contentBlock{{Type: "text", Text: word}}},
		}
		if err := enc.Encode(line); err != nil {
			log.Fatal(err)
		}
	}

	final := streamLine{Type: "result", Result: text, SessionID: sessionID, IsError: isError}
	if err := enc.Encode(final); err != nil {
		log.Fatal(err)
	}
}
