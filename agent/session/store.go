package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

var (
	ErrNilSession     = errors.New("session is nil")
	ErrEmptySessionID = errors.New("session id is empty")
)

// Store is the persistence contract for sessions and their transcripts.
// Append assigns the next gapless sequence number; entries are immutable
// once written.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	SetStage(ctx context.Context, sessionID, stageID string) error
	IncrementTurns(ctx context.Context, sessionID string) (int, error)
	MarkEnded(ctx context.Context, sessionID string) error
	Append(ctx context.Context, sessionID string, speaker contractx.Speaker, content string) (TranscriptEntry, error)
	Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error)
	Purge(ctx context.Context, sessionID string) error
}

type sessionRow struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	SessionID      string    `bun:"session_id,pk"`
	Persona        string    `bun:"persona,notnull"`
	Customer       string    `bun:"customer,nullzero"`
	StageCatalogID string    `bun:"stage_catalog_id,notnull"`
	CurrentStageID string    `bun:"current_stage_id,notnull"`
	TurnCount      int       `bun:"turn_count,notnull"`
	Ended          bool      `bun:"ended,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

type transcriptRow struct {
	bun.BaseModel `bun:"table:transcript_entries,alias:t"`

	ID        int64     `bun:"id,pk,autoincrement"`
	SessionID string    `bun:"session_id,notnull"`
	Sequence  int64     `bun:"sequence,notnull"`
	Speaker   string    `bun:"speaker,notnull"`
	Content   string    `bun:"content,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// SQLStore persists sessions in a relational database through bun.
type SQLStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *bun.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*sessionRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.db.NewCreateTable().
		Model((*transcriptRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create transcript table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*transcriptRow)(nil)).
		Index("idx_transcript_session_sequence").
		Column("session_id", "sequence").
		Unique().
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create transcript index: %w", err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	row, err := toSessionRow(sess)
	if err != nil {
		return err
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	row.UpdatedAt = s.now().UTC()
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("insert session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	row := new(sessionRow)
	err := s.db.NewSelect().
		Model(row).
		Where("session_id = ?", sessionID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", sessionID, err)
	}
	return fromSessionRow(row)
}

func (s *SQLStore) SetStage(ctx context.Context, sessionID, stageID string) error {
	return s.updateSession(ctx, sessionID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("current_stage_id = ?", stageID)
	})
}

func (s *SQLStore) IncrementTurns(ctx context.Context, sessionID string) (int, error) {
	if err := s.updateSession(ctx, sessionID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("turn_count = turn_count + 1")
	}); err != nil {
		return 0, err
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.TurnCount, nil
}

func (s *SQLStore) MarkEnded(ctx context.Context, sessionID string) error {
	return s.updateSession(ctx, sessionID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("ended = ?", true)
	})
}

func (s *SQLStore) Append(
	ctx context.Context,
	sessionID string,
	speaker contractx.Speaker,
	content string,
) (TranscriptEntry, error) {
	var entry TranscriptEntry
	if strings.TrimSpace(sessionID) == "" {
		return entry, ErrEmptySessionID
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*sessionRow)(nil)).
			Where("session_id = ?", sessionID).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check session %s: %w", sessionID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
		}

		var last int64
		if err := tx.NewSelect().
			Model((*transcriptRow)(nil)).
			ColumnExpr("COALESCE(MAX(sequence), 0)").
			Where("session_id = ?", sessionID).
			Scan(ctx, &last); err != nil {
			return fmt.Errorf("max sequence for %s: %w", sessionID, err)
		}

		row := &transcriptRow{
			SessionID: sessionID,
			Sequence:  last + 1,
			Speaker:   string(speaker),
			Content:   content,
			CreatedAt: s.now().UTC(),
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert transcript entry: %w", err)
		}

		if _, err := tx.NewUpdate().
			Model((*sessionRow)(nil)).
			Set("updated_at = ?", s.now().UTC()).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("touch session %s: %w", sessionID, err)
		}

		entry = TranscriptEntry{
			SessionID: row.SessionID,
			Sequence:  row.Sequence,
			Speaker:   speaker,
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return TranscriptEntry{}, err
	}
	return entry, nil
}

func (s *SQLStore) Transcript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrEmptySessionID
	}
	var rows []transcriptRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("session_id = ?", sessionID).
		Order("sequence ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("select transcript %s: %w", sessionID, err)
	}
	entries := make([]TranscriptEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, TranscriptEntry{
			SessionID: r.SessionID,
			Sequence:  r.Sequence,
			Speaker:   contractx.Speaker(r.Speaker),
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		})
	}
	return entries, nil
}

func (s *SQLStore) Purge(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*transcriptRow)(nil)).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("purge transcript %s: %w", sessionID, err)
		}
		if _, err := tx.NewDelete().
			Model((*sessionRow)(nil)).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("purge session %s: %w", sessionID, err)
		}
		return nil
	})
}

func (s *SQLStore) updateSession(
	ctx context.Context,
	sessionID string,
	apply func(*bun.UpdateQuery) *bun.UpdateQuery,
) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptySessionID
	}
	q := s.db.NewUpdate().
		Model((*sessionRow)(nil)).
		Set("updated_at = ?", s.now().UTC()).
		Where("session_id = ?", sessionID)
	res, err := apply(q).Exec(ctx)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", contractx.ErrUnknownSession, sessionID)
	}
	return nil
}

func toSessionRow(sess *Session) (*sessionRow, error) {
	if sess == nil {
		return nil, ErrNilSession
	}
	if strings.TrimSpace(sess.SessionID) == "" {
		return nil, ErrEmptySessionID
	}
	persona, err := json.Marshal(sess.Persona)
	if err != nil {
		return nil, fmt.Errorf("marshal persona: %w", err)
	}
	customer, err := json.Marshal(sess.Customer)
	if err != nil {
		return nil, fmt.Errorf("marshal customer: %w", err)
	}
	return &sessionRow{
		SessionID:      sess.SessionID,
		Persona:        string(persona),
		Customer:       string(customer),
		StageCatalogID: sess.StageCatalogID,
		CurrentStageID: sess.CurrentStageID,
		TurnCount:      sess.TurnCount,
		Ended:          sess.Ended,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}, nil
}

func fromSessionRow(row *sessionRow) (*Session, error) {
	sess := &Session{
		SessionID:      row.SessionID,
		StageCatalogID: row.StageCatalogID,
		CurrentStageID: row.CurrentStageID,
		TurnCount:      row.TurnCount,
		Ended:          row.Ended,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Persona), &sess.Persona); err != nil {
		return nil, fmt.Errorf("unmarshal persona for %s: %w", row.SessionID, err)
	}
	if strings.TrimSpace(row.Customer) != "" {
		if err := json.Unmarshal([]byte(row.Customer), &sess.Customer); err != nil {
			return nil, fmt.Errorf("unmarshal customer for %s: %w", row.SessionID, err)
		}
	}
	return sess, nil
}
