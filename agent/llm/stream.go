package llm

import (
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// tokenStream adapts the SDK's SSE stream to contract.TokenStream, skipping
// empty deltas so every fragment carries text.
type tokenStream struct {
	stream  *ssestream.Stream[openaisdk.ChatCompletionChunk]
	current string
	err     error
	done    bool
}

var _ contractx.TokenStream = (*tokenStream)(nil)

func newTokenStream(stream *ssestream.Stream[openaisdk.ChatCompletionChunk]) *tokenStream {
	return &tokenStream{stream: stream}
}

func (t *tokenStream) Next() bool {
	if t.done {
		return false
	}
	for t.stream.Next() {
		chunk := t.stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			t.current = chunk.Choices[0].Delta.Content
			return true
		}
	}
	t.done = true
	if err := t.stream.Err(); err != nil {
		t.err = classifyErr(err)
	}
	return false
}

func (t *tokenStream) Current() string {
	return t.current
}

func (t *tokenStream) Err() error {
	return t.err
}

func (t *tokenStream) Close() error {
	t.done = true
	return t.stream.Close()
}
