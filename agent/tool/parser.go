package tool

import (
	"strings"
)

// Intent is a tool request recovered from free-form model text.
type Intent struct {
	Tool  string
	Input string
}

// ParseActionText recognizes the legacy plain-text tool convention:
//
//	Action: <tool name>
//	Action Input: <argument>
//
// Both markers must start their own line, appear exactly once, in that
// order, and carry non-empty values. Anything looser is treated as ordinary
// utterance text and no tool runs.
func ParseActionText(text string) (Intent, bool) {
	var (
		intent     Intent
		seenAction bool
		seenInput  bool
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Action:"):
			if seenAction {
				return Intent{}, false
			}
			seenAction = true
			intent.Tool = strings.TrimSpace(strings.TrimPrefix(line, "Action:"))
		case strings.HasPrefix(line, "Action Input:"):
			if seenInput || !seenAction {
				return Intent{}, false
			}
			seenInput = true
			intent.Input = strings.TrimSpace(strings.TrimPrefix(line, "Action Input:"))
		}
	}
	if !seenAction || !seenInput || intent.Tool == "" || intent.Input == "" {
		return Intent{}, false
	}
	return intent, true
}
