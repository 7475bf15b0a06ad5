package tool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	promptx "github.com/tanpawarit/salesline/agent/prompt"
)

// KnowledgeBase answers free-text questions from grounded product material.
type KnowledgeBase interface {
	Query(ctx context.Context, question string) (string, error)
}

// CatalogKnowledgeBase retrieves the catalog chunks closest to the question
// by keyword overlap and has a completion backend phrase the answer from
// those excerpts only.
type CatalogKnowledgeBase struct {
	chunks    []string
	completer contractx.Completer
	topK      int
}

func NewCatalogKnowledgeBase(path string, completer contractx.Completer) (*CatalogKnowledgeBase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product catalog: %w", err)
	}
	chunks := splitChunks(string(raw))
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: product catalog %s is empty", contractx.ErrValidation, path)
	}
	if completer == nil {
		return nil, fmt.Errorf("%w: knowledge base needs a completer", contractx.ErrValidation)
	}
	return &CatalogKnowledgeBase{chunks: chunks, completer: completer, topK: 3}, nil
}

func (kb *CatalogKnowledgeBase) Query(ctx context.Context, question string) (string, error) {
	excerpts := kb.retrieve(question)
	system, err := promptx.RenderKnowledgeAnswer(promptx.KnowledgeAnswerData{
		Excerpts: strings.Join(excerpts, "\n\n"),
		Query:    question,
	})
	if err != nil {
		return "", err
	}
	msg, err := kb.completer.Complete(ctx, contractx.CompletionRequest{System: system})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

// retrieve scores every chunk by shared terms with the question and returns
// the best topK in catalog order. Ties keep the earlier chunk.
func (kb *CatalogKnowledgeBase) retrieve(question string) []string {
	terms := tokenize(question)
	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, 0, len(kb.chunks))
	for i, chunk := range kb.chunks {
		s := overlap(terms, tokenize(chunk))
		ranked = append(ranked, scored{idx: i, score: s})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	k := kb.topK
	if k > len(ranked) {
		k = len(ranked)
	}
	picked := ranked[:k]
	sort.Slice(picked, func(a, b int) bool { return picked[a].idx < picked[b].idx })

	out := make([]string, 0, k)
	for _, p := range picked {
		out = append(out, kb.chunks[p.idx])
	}
	return out
}

func splitChunks(raw string) []string {
	var out []string
	for _, block := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(s)) {
		field = strings.Trim(field, ".,!?:;\"'()[]")
		if len(field) > 2 {
			out[field] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for term := range a {
		if _, ok := b[term]; ok {
			n++
		}
	}
	return n
}

// NewProductSearchTool answers product questions from the knowledge base.
func NewProductSearchTool(kb KnowledgeBase) Descriptor {
	return Descriptor{
		Name:        "ProductSearch",
		Description: "useful for when you need to answer questions about product information or services offered, availability and their costs",
		Params:      queryParams("the product question to answer"),
		Func: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := queryArg(args)
			if err != nil {
				return "", err
			}
			return kb.Query(ctx, query)
		},
	}
}
