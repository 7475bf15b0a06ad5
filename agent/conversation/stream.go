package conversation

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/salesline/agent/contract"
	sessionx "github.com/tanpawarit/salesline/agent/session"
)

// AgentTurnStream is AgentTurn with the utterance delivered incrementally.
// The turn commits to the store only when the caller drains the stream to
// clean exhaustion; a cancelled or abandoned stream leaves the transcript
// untouched. The session stays locked until the stream is drained or closed.
func (c *Controller) AgentTurnStream(ctx context.Context, sessionID string) (contractx.UtteranceStream, error) {
	c.locks.lock(sessionID)
	release := func() { c.locks.unlock(sessionID) }

	s, err := c.liveSession(ctx, sessionID)
	if err != nil {
		release()
		return nil, err
	}
	if freshID := s.SessionID; freshID != sessionID {
		// A restart resolved to a fresh session; serialize against its id too.
		c.locks.lock(freshID)
		outer := release
		release = func() {
			c.locks.unlock(freshID)
			outer()
		}
	}

	if c.cfg.MaxTurns > 0 && s.TurnCount >= c.cfg.MaxTurns {
		defer release()
		tc, err := staticTurnContext(s)
		if err != nil {
			return nil, err
		}
		resp, err := c.commitFinalTurn(ctx, s, tc, MaxTurnsMessage, true, nil)
		if err != nil {
			return nil, err
		}
		return &staticStream{text: resp.ResponseText, endOfCall: true}, nil
	}

	tc, err := c.turnContext(ctx, s)
	if err != nil {
		release()
		return nil, err
	}

	inner, err := c.generator.GenerateStream(ctx, tc)
	if err != nil {
		release()
		return nil, err
	}

	cs := &committingStream{
		UtteranceStream: inner,
		ctx:             ctx,
		controller:      c,
		session:         s,
		tc:              tc,
	}
	cs.release = release
	return cs, nil
}

// committingStream commits the turn once the underlying stream is cleanly
// exhausted and releases the session lock exactly once.
type committingStream struct {
	contractx.UtteranceStream

	ctx        context.Context
	controller *Controller
	session    *sessionx.Session
	tc         contractx.TurnContext

	once      sync.Once
	release   func()
	committed bool
}

func (s *committingStream) Next() bool {
	if s.UtteranceStream.Next() {
		return true
	}
	if s.Err() == nil && !s.committed {
		s.committed = true
		// The caller may have stopped observing ctx by now; the commit
		// itself must not be torn down with it.
		commitCtx := context.WithoutCancel(s.ctx)
		if _, err := s.controller.commitFinalTurn(commitCtx, s.session, s.tc, s.Text(), s.EndOfCall(), nil); err != nil {
			log.Error().Err(err).Str("session_id", s.session.SessionID).Msg("streamed turn commit failed")
		}
	}
	s.once.Do(s.release)
	return false
}

func (s *committingStream) Close() error {
	err := s.UtteranceStream.Close()
	s.once.Do(s.release)
	return err
}

// staticStream delivers one pre-committed fragment.
type staticStream struct {
	text      string
	endOfCall bool
	state     int
}

func (s *staticStream) Next() bool {
	if s.state != 0 || s.text == "" {
		s.state = 2
		return false
	}
	s.state = 1
	return true
}

func (s *staticStream) Current() string { return s.text }

func (s *staticStream) Err() error { return nil }

func (s *staticStream) Close() error {
	s.state = 2
	return nil
}

func (s *staticStream) Text() string {
	if s.state == 0 {
		return ""
	}
	return s.text
}

func (s *staticStream) EndOfCall() bool { return s.endOfCall }
