// ABOUTME: Markdown rendering and chunking for Matrix replies.
// ABOUTME: Converts agent Markdown to HTML and splits long replies at line breaks.

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// renderHTML converts Markdown to HTML for formatted Matrix messages.
// Returns "" on conversion failure; the caller falls back to the plain body.
func renderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// chunkMessage splits text into pieces of at most maxChars runes, preferring
// to break at newlines so code blocks and lists stay readable.
func chunkMessage(text string, maxChars int) []string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxChars {
		cut := maxChars
		for i := maxChars; i > maxChars/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
