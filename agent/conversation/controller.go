// Package conversation drives the session state machine: seeding, human
// turns, agent turns and the end-of-call transition. All operations on one
// session are serialized; distinct sessions run in parallel.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	sessionx "github.com/tanpawarit/salesline/agent/session"
	stagex "github.com/tanpawarit/salesline/agent/stage"
)

// EndedPolicy decides what happens to input arriving after a session ended.
type EndedPolicy string

const (
	// PolicyReject fails post-end input with ErrSessionEnded.
	PolicyReject EndedPolicy = "reject"
	// PolicyRestart moves post-end input into a fresh session that reuses
	// the ended session's persona, customer and catalog.
	PolicyRestart EndedPolicy = "restart"
)

// MaxTurnsMessage is the fixed reply sent when the configured turn limit
// runs out.
const MaxTurnsMessage = "In case you'll have any questions - just text me one more time!"

// ApologyMessage is what the human should see when a turn aborts. It is
// never committed to the transcript; surfaces render it alongside the error.
const ApologyMessage = "I'm sorry, something went wrong on my end. Please give me a moment and text me again."

type Config struct {
	MaxTurns       int    `split_words:"true" default:"0"`
	EndedPolicy    string `split_words:"true" default:"reject"`
	AnalyzerWindow int    `split_words:"true" default:"12"`
}

func (c Config) Validate() error {
	switch EndedPolicy(c.EndedPolicy) {
	case PolicyReject, PolicyRestart, "":
		return nil
	default:
		return fmt.Errorf("%w: unknown ended policy %q", contractx.ErrValidation, c.EndedPolicy)
	}
}

// SeedConfig carries everything needed to open a session. SessionID is
// optional; a UUID is minted when absent.
type SeedConfig struct {
	SessionID string
	Persona   contractx.Persona
	Customer  contractx.CustomerIdentity
	CatalogID string
}

// Controller owns the turn lifecycle over a durable store, an advisory
// stage analyzer and an utterance generator.
type Controller struct {
	store     sessionx.Store
	analyzer  contractx.StageAnalyzer
	generator contractx.Generator
	cfg       Config
	locks     *keyedMutex
}

func New(store sessionx.Store, analyzer contractx.StageAnalyzer, generator contractx.Generator, cfg Config) (*Controller, error) {
	if store == nil || analyzer == nil || generator == nil {
		return nil, fmt.Errorf("%w: controller needs store, analyzer and generator", contractx.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AnalyzerWindow <= 0 {
		cfg.AnalyzerWindow = 12
	}
	return &Controller{
		store:     store,
		analyzer:  analyzer,
		generator: generator,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}, nil
}

// Policy reports how the controller treats input after a session ended.
func (c *Controller) Policy() EndedPolicy {
	if EndedPolicy(c.cfg.EndedPolicy) == PolicyRestart {
		return PolicyRestart
	}
	return PolicyReject
}

// Seed opens a session at the first stage of its catalog. Required persona
// fields fail fast; optional ones are defaulted.
func (c *Controller) Seed(ctx context.Context, seed SeedConfig) (*sessionx.Session, error) {
	if err := seed.Persona.Validate(); err != nil {
		return nil, err
	}
	persona := seed.Persona
	persona.ApplyDefaults()

	catalog, err := stagex.CatalogByID(seed.CatalogID)
	if err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(seed.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s := &sessionx.Session{
		SessionID:      sessionID,
		Persona:        persona,
		Customer:       seed.Customer,
		StageCatalogID: catalog.ID(),
		CurrentStageID: catalog.FirstStageID(),
	}
	if err := c.store.Create(ctx, s); err != nil {
		return nil, err
	}
	log.Info().
		Str("session_id", s.SessionID).
		Str("catalog", s.StageCatalogID).
		Str("stage", s.CurrentStageID).
		Msg("session seeded")
	return s, nil
}

// HumanTurn appends one human utterance. The returned session is where the
// input landed: normally the addressed one, under the restart policy a fresh
// session when the addressed one had ended. A human-typed call-end marker is
// stored verbatim and never ends the session.
func (c *Controller) HumanTurn(ctx context.Context, sessionID, text string) (*sessionx.Session, error) {
	c.locks.lock(sessionID)
	defer c.locks.unlock(sessionID)

	s, err := c.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// A restart resolved to a fresh session; serialize against its id too.
	if s.SessionID != sessionID {
		c.locks.lock(s.SessionID)
		defer c.locks.unlock(s.SessionID)
	}

	content := sessionx.NormalizeContent(strings.TrimSpace(text))
	if _, err := c.store.Append(ctx, s.SessionID, contractx.SpeakerHuman, content); err != nil {
		return nil, err
	}
	return s, nil
}

// AgentTurn runs stage analysis then generation and durably appends the
// agent utterance before returning. Analyzer failures hold the current
// stage; only backend failures after retries abort the turn.
func (c *Controller) AgentTurn(ctx context.Context, sessionID string) (contractx.TurnResponse, error) {
	c.locks.lock(sessionID)
	defer c.locks.unlock(sessionID)

	s, err := c.liveSession(ctx, sessionID)
	if err != nil {
		return contractx.TurnResponse{}, err
	}
	if s.SessionID != sessionID {
		c.locks.lock(s.SessionID)
		defer c.locks.unlock(s.SessionID)
	}

	// The capped turn makes no model calls: neither analysis nor generation.
	if c.cfg.MaxTurns > 0 && s.TurnCount >= c.cfg.MaxTurns {
		tc, err := staticTurnContext(s)
		if err != nil {
			return contractx.TurnResponse{}, err
		}
		return c.commitFinalTurn(ctx, s, tc, MaxTurnsMessage, true, nil)
	}

	tc, err := c.turnContext(ctx, s)
	if err != nil {
		return contractx.TurnResponse{}, err
	}

	result, err := c.generator.Generate(ctx, tc)
	if err != nil {
		return contractx.TurnResponse{}, fmt.Errorf("agent turn for session %s: %w", s.SessionID, err)
	}
	if result.LoopExceeded {
		log.Warn().Str("session_id", s.SessionID).Msg("turn degraded to partial answer")
	}

	text := contractx.CleanUtterance(result.Utterance, s.Persona.SalespersonName)
	return c.commitFinalTurn(ctx, s, tc, text, result.EndOfCall, result.ToolInvocations)
}

// commitFinalTurn appends the agent utterance, bumps the turn counter and
// applies the end-of-call transition.
func (c *Controller) commitFinalTurn(ctx context.Context, s *sessionx.Session, tc contractx.TurnContext, text string, ended bool, tools []contractx.ToolInvocationRecord) (contractx.TurnResponse, error) {
	content := s.Persona.SalespersonName + ": " + text
	if ended {
		content += " " + contractx.EndOfCall
	}
	content = sessionx.NormalizeContent(content)

	if _, err := c.store.Append(ctx, s.SessionID, contractx.SpeakerAgent, content); err != nil {
		return contractx.TurnResponse{}, err
	}
	if _, err := c.store.IncrementTurns(ctx, s.SessionID); err != nil {
		return contractx.TurnResponse{}, err
	}
	if ended {
		if err := c.store.MarkEnded(ctx, s.SessionID); err != nil {
			return contractx.TurnResponse{}, err
		}
		log.Info().Str("session_id", s.SessionID).Msg("session ended")
	}

	return contractx.TurnResponse{
		SessionID:         s.SessionID,
		SpeakerName:       s.Persona.SalespersonName,
		ResponseText:      text,
		StageID:           tc.StageID,
		ConversationStage: tc.StageDescription,
		ModelName:         c.generator.ModelName(),
		Ended:             ended,
		ToolInvocations:   tools,
	}, nil
}

// turnContext rehydrates the turn view from the store and applies the
// advisory stage decision.
func (c *Controller) turnContext(ctx context.Context, s *sessionx.Session) (contractx.TurnContext, error) {
	catalog, err := stagex.CatalogByID(s.StageCatalogID)
	if err != nil {
		return contractx.TurnContext{}, err
	}

	entries, err := c.store.Transcript(ctx, s.SessionID)
	if err != nil {
		return contractx.TurnContext{}, err
	}
	transcript := sessionx.Utterances(s, entries)

	window := transcript
	if len(window) > c.cfg.AnalyzerWindow {
		window = window[len(window)-c.cfg.AnalyzerWindow:]
	}
	next := c.analyzer.NextStage(ctx, window, s.CurrentStageID, catalog)
	if next != s.CurrentStageID {
		if err := c.store.SetStage(ctx, s.SessionID, next); err != nil {
			return contractx.TurnContext{}, err
		}
		log.Debug().
			Str("session_id", s.SessionID).
			Str("from", s.CurrentStageID).
			Str("to", next).
			Msg("stage advanced")
		s.CurrentStageID = next
	}

	desc, err := catalog.Describe(next)
	if err != nil {
		return contractx.TurnContext{}, err
	}

	return contractx.TurnContext{
		Persona:          s.Persona,
		Customer:         s.Customer,
		Catalog:          catalog,
		StageID:          next,
		StageDescription: desc,
		Transcript:       transcript,
	}, nil
}

// staticTurnContext builds the turn view from the stored stage alone, with
// no analyzer involvement, for turns that are decided before generation.
func staticTurnContext(s *sessionx.Session) (contractx.TurnContext, error) {
	catalog, err := stagex.CatalogByID(s.StageCatalogID)
	if err != nil {
		return contractx.TurnContext{}, err
	}
	desc, err := catalog.Describe(s.CurrentStageID)
	if err != nil {
		return contractx.TurnContext{}, err
	}
	return contractx.TurnContext{
		Persona:          s.Persona,
		Customer:         s.Customer,
		Catalog:          catalog,
		StageID:          s.CurrentStageID,
		StageDescription: desc,
	}, nil
}

// liveSession resolves a session that can accept input, applying the ended
// policy when the addressed session is terminal.
func (c *Controller) liveSession(ctx context.Context, sessionID string) (*sessionx.Session, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Ended {
		return s, nil
	}
	if c.Policy() != PolicyRestart {
		return nil, fmt.Errorf("%w: %s", contractx.ErrSessionEnded, sessionID)
	}

	fresh, err := c.Seed(ctx, SeedConfig{
		Persona:   s.Persona,
		Customer:  s.Customer,
		CatalogID: s.StageCatalogID,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("ended_session_id", sessionID).
		Str("session_id", fresh.SessionID).
		Msg("restarted ended session")
	return fresh, nil
}
