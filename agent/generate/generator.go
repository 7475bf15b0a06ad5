// Package generate turns a turn context into the next agent utterance,
// either with a single completion or with the tool-augmented agentic loop.
package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	promptx "github.com/tanpawarit/salesline/agent/prompt"
	stagex "github.com/tanpawarit/salesline/agent/stage"
	toolx "github.com/tanpawarit/salesline/agent/tool"
)

const defaultMaxToolIters = 5

// Generator implements the utterance side of a turn. With a registry it runs
// the agentic loop against the registered tools; without one it performs a
// single direct completion.
type Generator struct {
	completer    contractx.Completer
	runner       contractx.ToolLoopRunner
	registry     *toolx.Registry
	maxToolIters int
}

// Option configures a Generator.
type Option func(*Generator)

// WithTools switches the generator into agentic mode backed by the registry.
func WithTools(runner contractx.ToolLoopRunner, registry *toolx.Registry) Option {
	return func(g *Generator) {
		g.runner = runner
		g.registry = registry
	}
}

// WithMaxToolIters caps the agentic loop iterations per turn.
func WithMaxToolIters(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxToolIters = n
		}
	}
}

func New(completer contractx.Completer, opts ...Option) (*Generator, error) {
	if completer == nil {
		return nil, fmt.Errorf("%w: generator needs a completer", contractx.ErrValidation)
	}
	g := &Generator{completer: completer, maxToolIters: defaultMaxToolIters}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) ModelName() string {
	return g.completer.ModelName()
}

func (g *Generator) toolMode() bool {
	return g.registry != nil && g.runner != nil && len(g.registry.List()) > 0
}

// Generate produces the next agent utterance. Tool failures and an exceeded
// loop cap degrade to the best available answer; only backend failures after
// retries surface as errors.
func (g *Generator) Generate(ctx context.Context, tc contractx.TurnContext) (contractx.GenerationResult, error) {
	system, err := g.systemPrompt(tc)
	if err != nil {
		return contractx.GenerationResult{}, err
	}

	if !g.toolMode() {
		msg, err := g.completer.Complete(ctx, contractx.CompletionRequest{System: system})
		if err != nil {
			return contractx.GenerationResult{}, err
		}
		return g.finalize(tc, msg.Content, nil, false), nil
	}

	req := contractx.CompletionRequest{System: system, Tools: g.registry.Specs()}
	msg, records, err := g.runner.CompleteWithTools(ctx, req, g.registry.Invoker(), g.maxToolIters)
	loopExceeded := false
	if err != nil {
		if !errors.Is(err, contractx.ErrToolLoopExceeded) {
			return contractx.GenerationResult{}, err
		}
		loopExceeded = true
		log.Warn().Str("session_stage", tc.StageID).Msg("tool loop cap reached, degrading to partial answer")
	}

	// Some models fall back to the legacy plain-text tool convention even
	// when native tool calls are available. Route a strict match through the
	// registry; anything looser ships as ordinary text.
	if intent, ok := toolx.ParseActionText(msg.Content); ok && !loopExceeded {
		msg, records = g.runActionIntent(ctx, req, msg, intent, records)
	}

	return g.finalize(tc, msg.Content, records, loopExceeded), nil
}

// runActionIntent executes a plain-text tool request and asks the model to
// phrase a final reply from the observation. Failures keep the conversation
// alive with the observation text as the reply source.
func (g *Generator) runActionIntent(ctx context.Context, req contractx.CompletionRequest, msg contractx.Message, intent toolx.Intent, records []contractx.ToolInvocationRecord) (contractx.Message, []contractx.ToolInvocationRecord) {
	observation, err := g.registry.Invoke(ctx, intent.Tool, map[string]any{"query": intent.Input})
	record := contractx.ToolInvocationRecord{Tool: intent.Tool, Input: intent.Input, Output: observation}
	if err != nil {
		record.Failed = true
		record.Output = fmt.Sprintf("tool %s failed: %v", intent.Tool, err)
		log.Warn().Err(err).Str("tool", intent.Tool).Msg("plain-text tool intent failed")
	}
	records = append(records, record)

	followup := req
	followup.Tools = nil
	followup.Messages = append(append([]contractx.Message{}, req.Messages...),
		contractx.Message{Role: "assistant", Content: msg.Content},
		contractx.Message{Role: "user", Content: "Tool result: " + record.Output + "\nNow answer the customer directly, without mentioning the tool."},
	)
	final, err := g.completer.Complete(ctx, followup)
	if err != nil {
		log.Warn().Err(err).Msg("follow-up completion after tool intent failed")
		return contractx.Message{Role: "assistant", Content: record.Output}, records
	}
	return final, records
}

func (g *Generator) systemPrompt(tc contractx.TurnContext) (string, error) {
	data := promptx.UtteranceData{
		SalespersonName:     tc.Persona.SalespersonName,
		SalespersonRole:     tc.Persona.SalespersonRole,
		CompanyName:         tc.Persona.CompanyName,
		CompanyBusiness:     tc.Persona.CompanyBusiness,
		CompanyValues:       tc.Persona.CompanyValues,
		ConversationPurpose: tc.Persona.ConversationPurpose,
		ConversationType:    tc.Persona.ConversationType,
		CustomerName:        tc.Customer.Name,
		ConversationStages:  stagex.NumberedList(tc.Catalog),
		StageDescription:    tc.StageDescription,
		ConversationHistory: tc.HistoryBlock(),
	}
	if g.toolMode() {
		return promptx.RenderUtteranceWithTools(data)
	}
	return promptx.RenderUtterance(data)
}

// finalize normalizes raw model text into the committed utterance form:
// persona-prefixed, call marker stripped into the EndOfCall flag, turn
// marker ensured.
func (g *Generator) finalize(tc contractx.TurnContext, raw string, records []contractx.ToolInvocationRecord, loopExceeded bool) contractx.GenerationResult {
	text, endOfCall := contractx.StripMarkers(raw)
	text = contractx.CleanUtterance(text, tc.Persona.SalespersonName)
	utterance := tc.Persona.SalespersonName + ": " + text + " " + contractx.EndOfTurn
	return contractx.GenerationResult{
		Utterance:       utterance,
		EndOfCall:       endOfCall,
		LoopExceeded:    loopExceeded,
		ToolInvocations: records,
	}
}

