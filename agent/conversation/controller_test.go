package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	sessionx "github.com/tanpawarit/salesline/agent/session"
)

type fakeAnalyzer struct {
	next  string
	calls int
}

func (f *fakeAnalyzer) NextStage(ctx context.Context, window []contractx.Utterance, currentStageID string, catalog contractx.StageCatalog) string {
	f.calls++
	if f.next == "" {
		return currentStageID
	}
	return f.next
}

type fakeGenerator struct {
	mu      sync.Mutex
	results []contractx.GenerationResult
	err     error
	calls   int
	frags   []string
	lastTC  contractx.TurnContext

	// When set, Generate signals entered and waits for block.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, tc contractx.TurnContext) (contractx.GenerationResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTC = tc
	if f.err != nil {
		return contractx.GenerationResult{}, f.err
	}
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, tc contractx.TurnContext) (contractx.UtteranceStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastTC = tc
	return &fakeUtteranceStream{frags: f.frags}, nil
}

func (f *fakeGenerator) ModelName() string { return "fake-model" }

type fakeUtteranceStream struct {
	frags  []string
	pos    int
	closed bool
	text   strings.Builder
}

func (s *fakeUtteranceStream) Next() bool {
	if s.closed || s.pos >= len(s.frags) {
		return false
	}
	s.text.WriteString(s.frags[s.pos])
	s.pos++
	return true
}

func (s *fakeUtteranceStream) Current() string { return s.frags[s.pos-1] }
func (s *fakeUtteranceStream) Err() error      { return nil }
func (s *fakeUtteranceStream) Close() error {
	s.closed = true
	return nil
}
func (s *fakeUtteranceStream) Text() string    { return s.text.String() }
func (s *fakeUtteranceStream) EndOfCall() bool { return false }

func persona() contractx.Persona {
	return contractx.Persona{
		SalespersonName: "Ted Lasso",
		SalespersonRole: "Business Development Representative",
		CompanyName:     "Sleep Haven",
	}
}

func reply(text string) contractx.GenerationResult {
	return contractx.GenerationResult{Utterance: "Ted Lasso: " + text + " " + contractx.EndOfTurn}
}

func newController(t *testing.T, gen *fakeGenerator, cfg Config) (*Controller, sessionx.Store) {
	t.Helper()
	store := sessionx.NewMemoryStore()
	c, err := New(store, &fakeAnalyzer{}, gen, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, store
}

func TestSeedValidatesPersona(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, &fakeGenerator{results: []contractx.GenerationResult{reply("hi")}}, Config{})

	bad := persona()
	bad.CompanyName = ""
	if _, err := c.Seed(context.Background(), SeedConfig{Persona: bad}); !errors.Is(err, contractx.ErrInvalidPersona) {
		t.Fatalf("expected ErrInvalidPersona, got %v", err)
	}

	if _, err := c.Seed(context.Background(), SeedConfig{Persona: persona(), CatalogID: "bogus"}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown catalog, got %v", err)
	}
}

func TestSeedAssignsIDAndFirstStage(t *testing.T) {
	t.Parallel()

	c, store := newController(t, &fakeGenerator{results: []contractx.GenerationResult{reply("hi")}}, Config{})

	s, err := c.Seed(context.Background(), SeedConfig{Persona: persona()})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if s.SessionID == "" {
		t.Fatalf("expected generated session id")
	}
	if s.CurrentStageID != "1" || s.StageCatalogID != "default" {
		t.Fatalf("unexpected seed state: %+v", s)
	}
	if s.Persona.ConversationPurpose == "" {
		t.Fatalf("optional persona fields must be defaulted")
	}

	stored, err := store.Get(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Ended {
		t.Fatalf("fresh session must be active")
	}
}

func TestHumanTurnNormalizesAndNeverEnds(t *testing.T) {
	t.Parallel()

	c, store := newController(t, &fakeGenerator{results: []contractx.GenerationResult{reply("hi")}}, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	if _, err := c.HumanTurn(context.Background(), s.SessionID, "I want to stop "+contractx.EndOfCall); err != nil {
		t.Fatalf("HumanTurn() error = %v", err)
	}

	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Content, contractx.EndOfTurn) {
		t.Fatalf("expected normalized content, got %q", entries[0].Content)
	}

	got, _ := store.Get(context.Background(), s.SessionID)
	if got.Ended {
		t.Fatalf("human call marker must not end the session")
	}
}

func TestHumanTurnUnknownSession(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, &fakeGenerator{results: []contractx.GenerationResult{reply("hi")}}, Config{})
	if _, err := c.HumanTurn(context.Background(), "missing", "hello"); !errors.Is(err, contractx.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestAgentTurnCommitsAndReportsStage(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{results: []contractx.GenerationResult{reply("Welcome to Sleep Haven!")}}
	store := sessionx.NewMemoryStore()
	analyzer := &fakeAnalyzer{next: "2"}
	c, err := New(store, analyzer, gen, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})
	if _, err := c.HumanTurn(context.Background(), s.SessionID, "hello"); err != nil {
		t.Fatalf("HumanTurn() error = %v", err)
	}

	resp, err := c.AgentTurn(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("AgentTurn() error = %v", err)
	}
	if resp.SpeakerName != "Ted Lasso" || resp.ResponseText != "Welcome to Sleep Haven!" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.StageID != "2" || resp.ConversationStage == "" {
		t.Fatalf("expected advanced stage in payload: %+v", resp)
	}
	if resp.Ended {
		t.Fatalf("turn must not end the session")
	}
	if resp.ModelName != "fake-model" {
		t.Fatalf("unexpected model name: %s", resp.ModelName)
	}

	stored, _ := store.Get(context.Background(), s.SessionID)
	if stored.CurrentStageID != "2" || stored.TurnCount != 1 {
		t.Fatalf("unexpected stored state: %+v", stored)
	}
	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != 2 {
		t.Fatalf("expected human + agent entries, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if !strings.HasPrefix(last.Content, "Ted Lasso: ") || !strings.Contains(last.Content, contractx.EndOfTurn) {
		t.Fatalf("unexpected committed utterance: %q", last.Content)
	}
}

func TestAgentTurnEndOfCallEndsSession(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{results: []contractx.GenerationResult{{
		Utterance: "Ted Lasso: Goodbye! " + contractx.EndOfTurn,
		EndOfCall: true,
	}}}
	c, store := newController(t, gen, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	resp, err := c.AgentTurn(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("AgentTurn() error = %v", err)
	}
	if !resp.Ended {
		t.Fatalf("expected ended response")
	}

	stored, _ := store.Get(context.Background(), s.SessionID)
	if !stored.Ended {
		t.Fatalf("session must be marked ended")
	}
	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if !strings.Contains(entries[len(entries)-1].Content, contractx.EndOfCall) {
		t.Fatalf("committed utterance must carry the call marker: %q", entries[len(entries)-1].Content)
	}

	if _, err := c.AgentTurn(context.Background(), s.SessionID); !errors.Is(err, contractx.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded after end, got %v", err)
	}
	if _, err := c.HumanTurn(context.Background(), s.SessionID, "wait"); !errors.Is(err, contractx.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded for human input, got %v", err)
	}
}

func TestRestartPolicyOpensFreshSession(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{results: []contractx.GenerationResult{{
		Utterance: "Ted Lasso: Goodbye! " + contractx.EndOfTurn,
		EndOfCall: true,
	}}}
	c, store := newController(t, gen, Config{EndedPolicy: string(PolicyRestart)})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	if _, err := c.AgentTurn(context.Background(), s.SessionID); err != nil {
		t.Fatalf("AgentTurn() error = %v", err)
	}

	fresh, err := c.HumanTurn(context.Background(), s.SessionID, "actually, one more question")
	if err != nil {
		t.Fatalf("HumanTurn() under restart policy error = %v", err)
	}
	if fresh.SessionID == s.SessionID {
		t.Fatalf("expected a fresh session id")
	}
	if fresh.Persona != s.Persona {
		t.Fatalf("restarted session must reuse the persona")
	}

	entries, _ := store.Transcript(context.Background(), fresh.SessionID)
	if len(entries) != 1 {
		t.Fatalf("fresh session must start with only the new input, got %d entries", len(entries))
	}
}

func TestAgentTurnMaxTurnsFallback(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{results: []contractx.GenerationResult{reply("another answer")}}
	store := sessionx.NewMemoryStore()
	analyzer := &fakeAnalyzer{}
	c, err := New(store, analyzer, gen, Config{MaxTurns: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	for i := 0; i < 2; i++ {
		if _, err := c.AgentTurn(context.Background(), s.SessionID); err != nil {
			t.Fatalf("turn %d error = %v", i, err)
		}
	}

	resp, err := c.AgentTurn(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("AgentTurn() error = %v", err)
	}
	if resp.ResponseText != MaxTurnsMessage {
		t.Fatalf("expected fallback message, got %q", resp.ResponseText)
	}
	if !resp.Ended {
		t.Fatalf("max turns must end the session")
	}
	if resp.StageID != s.CurrentStageID || resp.ConversationStage == "" {
		t.Fatalf("capped turn must report the stored stage: %+v", resp)
	}

	// The capped turn is decided without any model involvement.
	if analyzer.calls != 2 {
		t.Fatalf("capped turn must not run the analyzer, calls = %d", analyzer.calls)
	}
	if gen.calls != 2 {
		t.Fatalf("capped turn must not generate, calls = %d", gen.calls)
	}

	stored, _ := store.Get(context.Background(), s.SessionID)
	if !stored.Ended {
		t.Fatalf("session must be marked ended")
	}
}

func TestRestartedTurnHoldsFreshSessionLock(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{results: []contractx.GenerationResult{
		{Utterance: "Ted Lasso: Goodbye! " + contractx.EndOfTurn, EndOfCall: true},
		reply("Welcome back!"),
	}}
	c, _ := newController(t, gen, Config{EndedPolicy: string(PolicyRestart)})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	if _, err := c.AgentTurn(context.Background(), s.SessionID); err != nil {
		t.Fatalf("AgentTurn() error = %v", err)
	}

	gen.entered = make(chan struct{})
	gen.block = make(chan struct{})
	done := make(chan contractx.TurnResponse, 1)
	go func() {
		resp, err := c.AgentTurn(context.Background(), s.SessionID)
		if err != nil {
			t.Errorf("restarted AgentTurn() error = %v", err)
		}
		done <- resp
	}()

	<-gen.entered
	// Mid-turn both the addressed id and the fresh id must be locked so a
	// caller following the new id is serialized against this turn.
	c.locks.mu.Lock()
	held := len(c.locks.locks)
	c.locks.mu.Unlock()
	if held != 2 {
		t.Fatalf("expected both session locks held mid-turn, got %d", held)
	}

	close(gen.block)
	resp := <-done
	if resp.SessionID == s.SessionID {
		t.Fatalf("expected the turn to land on a fresh session")
	}

	c.locks.mu.Lock()
	held = len(c.locks.locks)
	c.locks.mu.Unlock()
	if held != 0 {
		t.Fatalf("expected all locks released, got %d", held)
	}
}

func TestAgentTurnBackendFailureAborts(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: contractx.ErrBackendConnection}
	c, store := newController(t, gen, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	if _, err := c.AgentTurn(context.Background(), s.SessionID); !errors.Is(err, contractx.ErrBackendConnection) {
		t.Fatalf("expected ErrBackendConnection, got %v", err)
	}
	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != 0 {
		t.Fatalf("aborted turn must not commit, got %d entries", len(entries))
	}
}

func TestConcurrentHumanTurnsSerialize(t *testing.T) {
	t.Parallel()

	c, store := newController(t, &fakeGenerator{results: []contractx.GenerationResult{reply("ok")}}, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.HumanTurn(context.Background(), s.SessionID, fmt.Sprintf("message %d", i)); err != nil {
				t.Errorf("HumanTurn(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at %d: %d", i, e.Sequence)
		}
	}
}

func TestAgentTurnStreamCommitsOnExhaustion(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{frags: []string{"Welcome ", "to Sleep Haven!"}}
	c, store := newController(t, gen, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	stream, err := c.AgentTurnStream(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("AgentTurnStream() error = %v", err)
	}
	for stream.Next() {
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != 1 {
		t.Fatalf("expected committed utterance, got %d entries", len(entries))
	}
	if !strings.Contains(entries[0].Content, "Welcome to Sleep Haven!") {
		t.Fatalf("unexpected content: %q", entries[0].Content)
	}
	stored, _ := store.Get(context.Background(), s.SessionID)
	if stored.TurnCount != 1 {
		t.Fatalf("expected turn count 1, got %d", stored.TurnCount)
	}
}

func TestAgentTurnStreamAbandonedDoesNotCommit(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{frags: []string{"Welcome ", "to Sleep Haven!"}}
	c, store := newController(t, gen, Config{})
	s, _ := c.Seed(context.Background(), SeedConfig{Persona: persona()})

	stream, err := c.AgentTurnStream(context.Background(), s.SessionID)
	if err != nil {
		t.Fatalf("AgentTurnStream() error = %v", err)
	}
	if !stream.Next() {
		t.Fatalf("expected a first fragment")
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, _ := store.Transcript(context.Background(), s.SessionID)
	if len(entries) != 0 {
		t.Fatalf("abandoned stream must not commit, got %d entries", len(entries))
	}

	// The session lock must be free again for the next turn.
	if _, err := c.HumanTurn(context.Background(), s.SessionID, "still there?"); err != nil {
		t.Fatalf("HumanTurn() after abandoned stream error = %v", err)
	}
}
