package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// MemoryStore keeps sessions in process memory. It exists for tests and
// single-process development runs; durability comes from SQLStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logs     map[string][]TranscriptEntry
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		logs:     make(map[string][]TranscriptEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now().UTC()
	}
	cp.UpdatedAt = m.now().UTC()
	m.sessions[cp.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetStage(_ context.Context, sessionID, stageID string) error {
	return m.mutate(sessionID, func(s *Session) {
		s.CurrentStageID = stageID
	})
}

func (m *MemoryStore) IncrementTurns(_ context.Context, sessionID string) (int, error) {
	var turns int
	err := m.mutate(sessionID, func(s *Session) {
		s.TurnCount++
		turns = s.TurnCount
	})
	return turns, err
}

func (m *MemoryStore) MarkEnded(_ context.Context, sessionID string) error {
	return m.mutate(sessionID, func(s *Session) {
		s.Ended = true
	})
}

func (m *MemoryStore) Append(
	_ context.Context,
	sessionID string,
	speaker contractx.Speaker,
	content string,
) (TranscriptEntry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return TranscriptEntry{}, ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return TranscriptEntry{}, fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
	}
	entry := TranscriptEntry{
		SessionID: sessionID,
		Sequence:  int64(len(m.logs[sessionID])) + 1,
		Speaker:   speaker,
		Content:   content,
		CreatedAt: m.now().UTC(),
	}
	m.logs[sessionID] = append(m.logs[sessionID], entry)
	s.UpdatedAt = entry.CreatedAt
	return entry, nil
}

func (m *MemoryStore) Transcript(_ context.Context, sessionID string) ([]TranscriptEntry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[sessionID]
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	delete(m.logs, sessionID)
	return nil
}

func (m *MemoryStore) mutate(sessionID string, apply func(*Session)) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
	}
	apply(s)
	s.UpdatedAt = m.now().UTC()
	return nil
}
