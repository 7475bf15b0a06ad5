package contract

import "context"

// Message is one chat message exchanged with the completion backend.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured tool-call request emitted by the backend.
// Args is the raw JSON argument payload, validated by the caller.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// ParamSpec declares one tool parameter for backend advertisement.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolSpec is the backend-facing view of a registered tool.
type ToolSpec struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ParamSpec `json:"params,omitempty"`
}

// CompletionRequest is a single prompt-in, text-out exchange. Tools, when
// present, allow the backend to answer with tool calls instead of text.
type CompletionRequest struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Completer is the LLM backend boundary. Implementations retry transient
// failures internally and surface exhausted retries wrapped in the backend
// error taxonomy.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Message, error)
	Stream(ctx context.Context, req CompletionRequest) (TokenStream, error)
	ModelName() string
}

// ToolInvoker dispatches one named tool call. The args payload is raw JSON;
// implementations validate it and return a human-readable observation.
type ToolInvoker func(ctx context.Context, name, argsJSON string) (string, error)

// ToolLoopRunner runs the agentic completion loop with bounded iterations.
// On ErrToolLoopExceeded the returned message still carries the best partial
// answer so the caller can degrade instead of aborting.
type ToolLoopRunner interface {
	CompleteWithTools(ctx context.Context, req CompletionRequest, invoke ToolInvoker, maxIters int) (Message, []ToolInvocationRecord, error)
}

// TokenStream is a finite, forward-only sequence of text fragments.
// Not restartable. Close releases the upstream connection; closing before
// exhaustion cancels the generation.
type TokenStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// StageInfo pairs a stage id with its playbook description.
type StageInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// StageCatalog is a fixed, ordered set of conversation stages.
type StageCatalog interface {
	ID() string
	All() []StageInfo
	Describe(id string) (string, error)
	FirstStageID() string
	IsTerminal(id string) bool
}

// StageAnalyzer decides the next stage from a transcript window. The decision
// is advisory: failures degrade to holding currentStageID, never to an error
// that aborts the turn.
type StageAnalyzer interface {
	NextStage(ctx context.Context, window []Utterance, currentStageID string, catalog StageCatalog) string
}

// GenerationResult is the outcome of one generated agent utterance.
type GenerationResult struct {
	// Utterance is persona-prefixed with EndOfTurn ensured and EndOfCall
	// stripped from the visible text.
	Utterance       string
	EndOfCall       bool
	LoopExceeded    bool
	ToolInvocations []ToolInvocationRecord
}

// UtteranceStream is a token stream with sentinel markers already stripped
// from the fragments. Text and EndOfCall report the accumulated clean text
// and whether the call-end marker was seen; both are only complete once Next
// has returned false with a nil Err.
type UtteranceStream interface {
	TokenStream
	Text() string
	EndOfCall() bool
}

// Generator produces the next agent utterance from a turn context.
type Generator interface {
	Generate(ctx context.Context, tc TurnContext) (GenerationResult, error)
	GenerateStream(ctx context.Context, tc TurnContext) (UtteranceStream, error)
	ModelName() string
}
