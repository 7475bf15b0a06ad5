package contract

import (
	"fmt"
	"strings"
	"time"
)

// Sentinels embedded in generated text. Matched by substring, case-sensitive.
const (
	EndOfTurn = "<END_OF_TURN>"
	EndOfCall = "<END_OF_CALL>"
)

// StripMarkers removes every sentinel marker from text and reports whether
// the call-end marker was present.
func StripMarkers(text string) (string, bool) {
	endOfCall := strings.Contains(text, EndOfCall)
	text = strings.ReplaceAll(text, EndOfCall, "")
	text = strings.ReplaceAll(text, EndOfTurn, "")
	return strings.TrimSpace(text), endOfCall
}

// CleanUtterance strips the speaker prefix and sentinel markers from a
// transcript line, yielding the customer-visible text.
func CleanUtterance(utterance, speakerName string) string {
	text, _ := StripMarkers(utterance)
	if speakerName != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, speakerName+":"))
	}
	return text
}

type Speaker string

const (
	SpeakerHuman Speaker = "human"
	SpeakerAgent Speaker = "agent"
)

// Persona is the immutable identity the agent speaks as for one session.
type Persona struct {
	SalespersonName     string `json:"salesperson_name"`
	SalespersonRole     string `json:"salesperson_role"`
	CompanyName         string `json:"company_name"`
	CompanyBusiness     string `json:"company_business,omitempty"`
	CompanyValues       string `json:"company_values,omitempty"`
	ConversationPurpose string `json:"conversation_purpose,omitempty"`
	ConversationType    string `json:"conversation_type,omitempty"`
}

// Validate checks required persona fields. Optional fields are defaulted by
// ApplyDefaults, never here.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.SalespersonName) == "" {
		return fmt.Errorf("%w: salesperson_name is required", ErrInvalidPersona)
	}
	if strings.TrimSpace(p.SalespersonRole) == "" {
		return fmt.Errorf("%w: salesperson_role is required", ErrInvalidPersona)
	}
	if strings.TrimSpace(p.CompanyName) == "" {
		return fmt.Errorf("%w: company_name is required", ErrInvalidPersona)
	}
	return nil
}

// ApplyDefaults fills optional persona fields that were left empty.
func (p *Persona) ApplyDefaults() {
	if strings.TrimSpace(p.ConversationPurpose) == "" {
		p.ConversationPurpose = "find out whether they are interested in the company's offering."
	}
	if strings.TrimSpace(p.ConversationType) == "" {
		p.ConversationType = "call"
	}
	if strings.TrimSpace(p.CompanyBusiness) == "" {
		p.CompanyBusiness = p.CompanyName + " provides products and services to its customers."
	}
	if strings.TrimSpace(p.CompanyValues) == "" {
		p.CompanyValues = "We are committed to serving our customers well."
	}
}

// CustomerIdentity names the human party. Contact is optional.
type CustomerIdentity struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

// Utterance is one rendered transcript line handed to prompts and analyzers.
type Utterance struct {
	Speaker Speaker
	Name    string
	Text    string
}

// Line renders the utterance as a "Name: text" transcript line.
func (u Utterance) Line() string {
	return u.Name + ": " + u.Text
}

// ToolInvocationRecord captures one tool call performed during a turn.
type ToolInvocationRecord struct {
	Tool   string    `json:"tool"`
	Input  string    `json:"input"`
	Output string    `json:"output"`
	Failed bool      `json:"failed,omitempty"`
	At     time.Time `json:"at"`
}

// TurnResponse is the payload returned to the caller for one agent turn.
type TurnResponse struct {
	SessionID         string `json:"session_id"`
	SpeakerName       string `json:"speaker_name"`
	ResponseText      string `json:"response_text"`
	StageID           string `json:"stage_id"`
	ConversationStage string `json:"conversation_stage"`
	ModelName         string `json:"model_name,omitempty"`
	Ended             bool   `json:"ended"`

	ToolInvocations []ToolInvocationRecord `json:"tool_invocations,omitempty"`
}

// FirstTool returns the first tool invocation of the turn, if any.
func (r TurnResponse) FirstTool() (ToolInvocationRecord, bool) {
	if len(r.ToolInvocations) == 0 {
		return ToolInvocationRecord{}, false
	}
	return r.ToolInvocations[0], true
}

// TurnContext is the request-scoped aggregate handed to the generator. It is
// rebuilt from the store every turn; nothing in it is authoritative state.
type TurnContext struct {
	Persona          Persona
	Customer         CustomerIdentity
	Catalog          StageCatalog
	StageID          string
	StageDescription string
	Transcript       []Utterance
}

// HistoryBlock renders the transcript as newline-joined "Name: text" lines.
func (tc TurnContext) HistoryBlock() string {
	lines := make([]string, 0, len(tc.Transcript))
	for _, u := range tc.Transcript {
		lines = append(lines, u.Line())
	}
	return strings.Join(lines, "\n")
}
