package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// Func executes one tool call. The result is a human-readable observation;
// an error means the invocation itself broke, not that the tool had nothing
// useful to say.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Descriptor declares an invocable capability: its advertised name and
// description, the argument schema, and the function behind it.
type Descriptor struct {
	Name        string
	Description string
	Params      map[string]contractx.ParamSpec
	Func        Func
}

// Registry maps tool names to descriptors. Listing order is registration
// order and stays stable for the registry's lifetime, because it defines the
// order tools are advertised to the model.
type Registry struct {
	order  []string
	byName map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

func (r *Registry) Register(d Descriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: tool name is empty", contractx.ErrValidation)
	}
	if d.Func == nil {
		return fmt.Errorf("%w: tool %s has no function", contractx.ErrValidation, name)
	}
	if _, dup := r.byName[name]; dup {
		return fmt.Errorf("%w: tool %s already registered", contractx.ErrValidation, name)
	}
	d.Name = name
	r.byName[name] = d
	r.order = append(r.order, name)
	return nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Specs returns the backend-facing tool advertisements in listing order.
func (r *Registry) Specs() []contractx.ToolSpec {
	out := make([]contractx.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		out = append(out, contractx.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Params:      d.Params,
		})
	}
	return out
}

func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", contractx.ErrUnknownTool, name)
	}
	return d, nil
}

// Invoke dispatches a resolved tool with already-parsed arguments.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	result, err := d.Func(ctx, args)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", contractx.ErrToolExecution, name, err)
	}
	return result, nil
}

// Invoker adapts the registry to the agentic loop: the raw JSON argument
// payload is parsed strictly, and a malformed payload fails the invocation
// rather than being guessed at.
func (r *Registry) Invoker() contractx.ToolInvoker {
	return func(ctx context.Context, name, argsJSON string) (string, error) {
		args, err := ParseToolArgs(argsJSON)
		if err != nil {
			return "", err
		}
		log.Debug().Str("tool", name).Str("args", argsJSON).Msg("invoking tool")
		return r.Invoke(ctx, name, args)
	}
}

// ParseToolArgs parses a raw JSON argument payload. Empty payloads yield an
// empty map; anything that is not a JSON object is rejected.
func ParseToolArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("%w: invalid tool args: %v", contractx.ErrSchemaViolation, err)
	}
	return args, nil
}

// queryArg extracts the single natural-language "query" argument shared by
// the built-in tools.
func queryArg(args map[string]any) (string, error) {
	raw, ok := args["query"]
	if !ok {
		return "", fmt.Errorf("%w: query is required", contractx.ErrSchemaViolation)
	}
	query, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: query must be a string", contractx.ErrSchemaViolation)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: query is empty", contractx.ErrSchemaViolation)
	}
	return query, nil
}

func queryParams(desc string) map[string]contractx.ParamSpec {
	return map[string]contractx.ParamSpec{
		"query": {Type: "string", Description: desc, Required: true},
	}
}
