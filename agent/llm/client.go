package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// Client implements contract.Completer over the OpenAI chat completion API.
// Transient backend failures are retried with exponential backoff before the
// classified error is surfaced.
type Client struct {
	oai          *openaisdk.Client
	role         Role
	model        string
	temperature  float64
	maxTokens    int
	maxRetries   int
	retryBackoff time.Duration
}

var (
	_ contractx.Completer      = (*Client)(nil)
	_ contractx.ToolLoopRunner = (*Client)(nil)
)

func NewClient(oai *openaisdk.Client, cfg Config, role Role) (*Client, error) {
	if oai == nil {
		return nil, errors.New("openai client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model, temp := cfg.settingsFor(role)
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	return &Client{
		oai:          oai,
		role:         role,
		model:        model,
		temperature:  temp,
		maxTokens:    cfg.MaxCompletionToken,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: backoff,
	}, nil
}

func (c *Client) ModelName() string {
	return c.model
}

func (c *Client) Complete(ctx context.Context, req contractx.CompletionRequest) (contractx.Message, error) {
	params := c.buildParams(req)

	completion, err := c.newWithRetry(ctx, params)
	if err != nil {
		return contractx.Message{}, err
	}
	if len(completion.Choices) == 0 {
		return contractx.Message{}, fmt.Errorf("%w: no choices returned", contractx.ErrModelInvoke)
	}

	return toMessage(completion.Choices[0].Message), nil
}

func (c *Client) Stream(ctx context.Context, req contractx.CompletionRequest) (contractx.TokenStream, error) {
	params := c.buildParams(req)
	stream := c.oai.Chat.Completions.NewStreaming(ctx, params)
	return newTokenStream(stream), nil
}

// CompleteWithTools runs the agentic loop: the backend may answer with tool
// calls, which are dispatched through invoke and fed back as tool messages
// until the backend produces text or maxIters is reached. Per-call tool
// failures are surfaced to the backend as observations, never as errors.
func (c *Client) CompleteWithTools(
	ctx context.Context,
	req contractx.CompletionRequest,
	invoke contractx.ToolInvoker,
	maxIters int,
) (contractx.Message, []contractx.ToolInvocationRecord, error) {
	if maxIters <= 0 {
		maxIters = 5
	}

	params := c.buildParams(req)
	var records []contractx.ToolInvocationRecord

	for iter := 0; iter < maxIters; iter++ {
		completion, err := c.newWithRetry(ctx, params)
		if err != nil {
			return contractx.Message{}, records, err
		}
		if len(completion.Choices) == 0 {
			return contractx.Message{}, records, fmt.Errorf("%w: no choices returned", contractx.ErrModelInvoke)
		}

		choice := completion.Choices[0].Message
		if len(choice.ToolCalls) == 0 {
			return toMessage(choice), records, nil
		}

		params.Messages = append(params.Messages, choice.ToParam())
		for _, call := range choice.ToolCalls {
			name := call.Function.Name
			args := call.Function.Arguments

			result, err := invoke(ctx, name, args)
			failed := err != nil
			if failed {
				result = fmt.Sprintf("tool %s failed: %v", name, err)
				log.Warn().Err(err).Str("tool", name).Msg("tool invocation failed, feeding observation back")
			}

			records = append(records, contractx.ToolInvocationRecord{
				Tool:   name,
				Input:  args,
				Output: result,
				Failed: failed,
				At:     time.Now().UTC(),
			})
			params.Messages = append(params.Messages, openaisdk.ToolMessage(result, call.ID))
		}
	}

	// Iteration cap reached: salvage the best partial answer so the session
	// survives. The caller decides how to message the degradation.
	partial := ""
	if len(records) > 0 {
		partial = records[len(records)-1].Output
	}
	return contractx.Message{Role: "assistant", Content: partial},
		records,
		fmt.Errorf("%w: after %d iterations", contractx.ErrToolLoopExceeded, maxIters)
}

func (c *Client) buildParams(req contractx.CompletionRequest) openaisdk.ChatCompletionNewParams {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaisdk.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openaisdk.AssistantMessage(msg.Content))
		case "system":
			messages = append(messages, openaisdk.SystemMessage(msg.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(msg.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:       openaisdk.ChatModel(c.model),
		Messages:    messages,
		Temperature: openaisdk.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(c.maxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = toToolParams(req.Tools)
	}
	return params
}

func (c *Client) newWithRetry(
	ctx context.Context,
	params openaisdk.ChatCompletionNewParams,
) (*openaisdk.ChatCompletion, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryBackoff << (attempt - 1)
			log.Debug().Dur("delay", delay).Int("attempt", attempt).Str("model", c.model).Msg("retrying completion")
			select {
			case <-ctx.Done():
				return nil, classifyErr(ctx.Err())
			case <-time.After(delay):
			}
		}

		completion, err := c.oai.Chat.Completions.New(ctx, params)
		if err == nil {
			return completion, nil
		}

		lastErr = classifyErr(err)
		if !contractx.Retryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func toMessage(msg openaisdk.ChatCompletionMessage) contractx.Message {
	out := contractx.Message{
		Role:    "assistant",
		Content: msg.Content,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, contractx.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: call.Function.Arguments,
		})
	}
	return out
}

func toToolParams(specs []contractx.ToolSpec) []openaisdk.ChatCompletionToolParam {
	params := make([]openaisdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		properties := make(map[string]any, len(spec.Params))
		var required []string
		for name, p := range spec.Params {
			properties[name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, name)
			}
		}

		schema := openaisdk.FunctionParameters{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}

		params = append(params, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openaisdk.String(spec.Description),
				Parameters:  schema,
			},
		})
	}
	return params
}

// classifyErr maps backend failures onto the error taxonomy so callers can
// distinguish retryable conditions from permanent ones.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", contractx.ErrBackendTimeout, err)
	}

	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", contractx.ErrBackendRateLimited, err)
		case apiErr.StatusCode == 408 || apiErr.StatusCode == 504:
			return fmt.Errorf("%w: %v", contractx.ErrBackendTimeout, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", contractx.ErrBackendConnection, err)
		default:
			return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", contractx.ErrBackendTimeout, err)
		}
		return fmt.Errorf("%w: %v", contractx.ErrBackendConnection, err)
	}

	return fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
}
