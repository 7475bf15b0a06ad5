package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// completionServer replays scripted chat completion bodies and records every
// request payload for inspection.
type completionServer struct {
	mu        sync.Mutex
	responses []string
	requests  []string
}

func (s *completionServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, string(body))
	idx := len(s.requests) - 1
	s.mu.Unlock()
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, s.responses[idx])
}

func (s *completionServer) request(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.requests) {
		return ""
	}
	return s.requests[i]
}

func toolCallResponse(callID, name, args string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":%q,"type":"function","function":{"name":%q,"arguments":%q}}]}}]}`,
		callID, name, args)
}

func textResponse(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}]}`,
		content)
}

func newToolLoopClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	oai := openaisdk.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(baseURL))
	c, err := NewClient(&oai, baseConfig(), RoleGenerator)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func toolLoopRequest() contractx.CompletionRequest {
	return contractx.CompletionRequest{
		System: "You sell mattresses.",
		Tools: []contractx.ToolSpec{{
			Name:        "ProductSearch",
			Description: "Look up product details.",
			Params: map[string]contractx.ParamSpec{
				"query": {Type: "string", Description: "the question", Required: true},
			},
		}},
	}
}

func TestCompleteWithToolsRoundTrip(t *testing.T) {
	t.Parallel()

	srv := &completionServer{responses: []string{
		toolCallResponse("call_1", "ProductSearch", `{"query":"firm mattress"}`),
		textResponse("It costs $999."),
	}}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()
	c := newToolLoopClient(t, server.URL)

	var gotName, gotArgs string
	invoke := func(ctx context.Context, name, argsJSON string) (string, error) {
		gotName, gotArgs = name, argsJSON
		return "Our firm mattress costs $999.", nil
	}

	msg, records, err := c.CompleteWithTools(context.Background(), toolLoopRequest(), invoke, 5)
	if err != nil {
		t.Fatalf("CompleteWithTools() error = %v", err)
	}
	if msg.Content != "It costs $999." {
		t.Fatalf("unexpected final message: %q", msg.Content)
	}
	if gotName != "ProductSearch" || !strings.Contains(gotArgs, "firm mattress") {
		t.Fatalf("invoker got %s %s", gotName, gotArgs)
	}
	if len(records) != 1 || records[0].Tool != "ProductSearch" || records[0].Failed {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Output != "Our firm mattress costs $999." {
		t.Fatalf("unexpected observation: %q", records[0].Output)
	}

	// The second request must carry the tool result keyed to the call id.
	second := srv.request(1)
	if !strings.Contains(second, "call_1") || !strings.Contains(second, "Our firm mattress costs $999.") {
		t.Fatalf("tool result not fed back: %s", second)
	}
}

func TestCompleteWithToolsFailureBecomesObservation(t *testing.T) {
	t.Parallel()

	srv := &completionServer{responses: []string{
		toolCallResponse("call_1", "ProductSearch", `{"query":"firm"}`),
		textResponse("Let me get back to you on that."),
	}}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()
	c := newToolLoopClient(t, server.URL)

	invoke := func(ctx context.Context, name, argsJSON string) (string, error) {
		return "", errors.New("catalog offline")
	}

	msg, records, err := c.CompleteWithTools(context.Background(), toolLoopRequest(), invoke, 5)
	if err != nil {
		t.Fatalf("a failing tool must not abort the loop, got %v", err)
	}
	if msg.Content != "Let me get back to you on that." {
		t.Fatalf("unexpected final message: %q", msg.Content)
	}
	if len(records) != 1 || !records[0].Failed {
		t.Fatalf("expected one failed record: %+v", records)
	}
	if !strings.Contains(records[0].Output, "catalog offline") {
		t.Fatalf("observation must carry the failure: %q", records[0].Output)
	}
	if !strings.Contains(srv.request(1), "catalog offline") {
		t.Fatalf("failure observation not fed back: %s", srv.request(1))
	}
}

func TestCompleteWithToolsIterationCap(t *testing.T) {
	t.Parallel()

	// The backend keeps asking for tools; the loop must stop at the cap and
	// salvage the last observation as the partial answer.
	srv := &completionServer{responses: []string{
		toolCallResponse("call_1", "ProductSearch", `{"query":"firm"}`),
	}}
	server := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer server.Close()
	c := newToolLoopClient(t, server.URL)

	invoke := func(ctx context.Context, name, argsJSON string) (string, error) {
		return "partial product answer", nil
	}

	msg, records, err := c.CompleteWithTools(context.Background(), toolLoopRequest(), invoke, 2)
	if !errors.Is(err, contractx.ErrToolLoopExceeded) {
		t.Fatalf("expected ErrToolLoopExceeded, got %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected one record per iteration, got %d", len(records))
	}
	if msg.Content != "partial product answer" {
		t.Fatalf("expected salvaged partial answer, got %q", msg.Content)
	}
}
