package session

import (
	"strings"
	"time"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// Session is the durable identity and state of one conversation. The persona
// snapshot is immutable for the session lifetime; stage, turn count and the
// ended flag mutate turn by turn.
type Session struct {
	SessionID      string                     `json:"session_id"`
	Persona        contractx.Persona          `json:"persona"`
	Customer       contractx.CustomerIdentity `json:"customer"`
	StageCatalogID string                     `json:"stage_catalog_id"`
	CurrentStageID string                     `json:"current_stage_id"`
	TurnCount      int                        `json:"turn_count"`
	Ended          bool                       `json:"ended"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// TranscriptEntry is one immutable utterance in the append-only log.
// Sequence values are strictly increasing and gapless from 1 per session.
type TranscriptEntry struct {
	SessionID string            `json:"session_id"`
	Sequence  int64             `json:"sequence"`
	Speaker   contractx.Speaker `json:"speaker"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
}

// SpeakerName resolves the display name for a transcript entry.
func (e TranscriptEntry) SpeakerName(s *Session) string {
	if e.Speaker == contractx.SpeakerAgent {
		return s.Persona.SalespersonName
	}
	if name := strings.TrimSpace(s.Customer.Name); name != "" {
		return name
	}
	return "User"
}

// NormalizeContent enforces sentinel placement on an utterance before it is
// appended: EndOfTurn is always present, and EndOfCall (when present) trails
// it. Matches the transcript format the prompts are written against.
func NormalizeContent(content string) string {
	content = strings.TrimSpace(content)
	if strings.Contains(content, contractx.EndOfTurn) {
		return content
	}
	if strings.Contains(content, contractx.EndOfCall) {
		content = strings.TrimSpace(strings.ReplaceAll(content, contractx.EndOfCall, ""))
		return content + " " + contractx.EndOfTurn + " " + contractx.EndOfCall
	}
	return content + " " + contractx.EndOfTurn
}

// Utterances renders transcript entries as prompt-facing utterance lines.
func Utterances(s *Session, entries []TranscriptEntry) []contractx.Utterance {
	out := make([]contractx.Utterance, 0, len(entries))
	for _, e := range entries {
		out = append(out, contractx.Utterance{
			Speaker: e.Speaker,
			Name:    e.SpeakerName(s),
			Text:    e.Content,
		})
	}
	return out
}
