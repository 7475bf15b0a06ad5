package stage

import (
	"context"
	"errors"
	"testing"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, req contractx.CompletionRequest) (contractx.Message, error) {
	f.calls++
	if f.err != nil {
		return contractx.Message{}, f.err
	}
	return contractx.Message{Role: "assistant", Content: f.reply}, nil
}

func (f *fakeCompleter) Stream(ctx context.Context, req contractx.CompletionRequest) (contractx.TokenStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeCompleter) ModelName() string { return "fake" }

func window() []contractx.Utterance {
	return []contractx.Utterance{
		{Speaker: contractx.SpeakerAgent, Name: "Ted Lasso", Text: "Hello! <END_OF_TURN>"},
		{Speaker: contractx.SpeakerHuman, Name: "Customer", Text: "Hi, tell me more. <END_OF_TURN>"},
	}
}

func TestNextStageEmptyWindowSelectsFirst(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	completer := &fakeCompleter{reply: "5"}
	a := NewAnalyzer(completer)

	if got := a.NextStage(context.Background(), nil, "3", cat); got != "1" {
		t.Fatalf("expected first stage, got %s", got)
	}
	if completer.calls != 0 {
		t.Fatalf("backend must not be called for an empty window")
	}
}

func TestNextStageCleanDecision(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{reply: "3"})

	if got := a.NextStage(context.Background(), window(), "2", cat); got != "3" {
		t.Fatalf("expected stage 3, got %s", got)
	}
}

func TestNextStageNoisyDecision(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{reply: "The conversation should move to stage 4 now."})

	if got := a.NextStage(context.Background(), window(), "2", cat); got != "4" {
		t.Fatalf("expected stage 4, got %s", got)
	}
}

func TestNextStageUnparseableHoldsStage(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{reply: "definitely the closing phase"})

	if got := a.NextStage(context.Background(), window(), "2", cat); got != "2" {
		t.Fatalf("expected held stage 2, got %s", got)
	}
}

func TestNextStageOutOfRangeHoldsStage(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{reply: "42"})

	if got := a.NextStage(context.Background(), window(), "2", cat); got != "2" {
		t.Fatalf("expected held stage 2, got %s", got)
	}
}

func TestNextStageBackendFailureHoldsStage(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{err: contractx.ErrBackendTimeout})

	if got := a.NextStage(context.Background(), window(), "5", cat); got != "5" {
		t.Fatalf("expected held stage 5, got %s", got)
	}
}

func TestNextStageInvalidCurrentFallsBackToFirst(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	a := NewAnalyzer(&fakeCompleter{reply: "no stage here"})

	if got := a.NextStage(context.Background(), window(), "99", cat); got != "1" {
		t.Fatalf("expected fallback to first stage, got %s", got)
	}
}

func TestCleanseStageID(t *testing.T) {
	t.Parallel()

	cat, _ := CatalogByID(CatalogDefault)
	cases := []struct {
		raw  string
		want string
	}{
		{"2", "2"},
		{" 7 ", "7"},
		{"Stage 6: objection handling", "6"},
		{"I think 42 fits best", ""},
		{"none", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CleanseStageID(tc.raw, cat); got != tc.want {
			t.Fatalf("CleanseStageID(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
