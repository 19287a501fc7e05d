package agent

import (
	"regexp"
	"strings"
)

// malformedMarkers are substrings suggesting the model wrote a tool call as
// text. Matching is case sensitive and knowingly loose: ordinary prose that
// mentions "arguments" also matches.
var malformedMarkers = []string{"tool_call", "arguments", "<tool", "tool>"}

// LooksLikeToolCall reports whether text resembles a tool call attempt
func LooksLikeToolCall(text string) bool {
	for _, marker := range malformedMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// StripThinking removes <think>...</think> blocks from model output
func StripThinking(text string) string {
	return thinkBlock.ReplaceAllString(text, "")
}
