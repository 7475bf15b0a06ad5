package generate

import (
	"context"
	"strings"

	contractx "github.com/tanpawarit/salesline/agent/contract"
)

// GenerateStream produces the next utterance as a fragment stream with
// sentinel markers stripped. In tool mode the turn cannot stream token by
// token, so the fully generated reply is delivered as a single fragment.
func (g *Generator) GenerateStream(ctx context.Context, tc contractx.TurnContext) (contractx.UtteranceStream, error) {
	if g.toolMode() {
		result, err := g.Generate(ctx, tc)
		if err != nil {
			return nil, err
		}
		return &singleShotStream{
			text:      contractx.CleanUtterance(result.Utterance, tc.Persona.SalespersonName),
			endOfCall: result.EndOfCall,
		}, nil
	}

	system, err := g.systemPrompt(tc)
	if err != nil {
		return nil, err
	}
	inner, err := g.completer.Stream(ctx, contractx.CompletionRequest{System: system})
	if err != nil {
		return nil, err
	}
	return &markerStream{inner: inner, name: tc.Persona.SalespersonName}, nil
}

// markerStream strips sentinel markers from a raw token stream. Markers can
// straddle fragment boundaries, so a suffix that could still grow into a
// marker is held back until the next fragment decides it.
type markerStream struct {
	inner contractx.TokenStream

	name      string
	buf       string
	pending   string
	trail     string
	cur       string
	full      strings.Builder
	endOfCall bool
	turnEnded bool
	drained   bool
	started   bool
}

func (s *markerStream) Next() bool {
	for {
		if s.turnEnded {
			s.drainTail()
			return false
		}
		if !s.inner.Next() {
			// Clean exhaustion flushes whatever held-back text remains.
			emit, _ := s.consume(s.buf, true)
			s.buf = ""
			return s.flushFinal(emit)
		}
		s.buf += s.inner.Current()
		emit, hold := s.consume(s.buf, false)
		s.buf = hold
		if s.flush(emit) {
			return true
		}
	}
}

// consume removes complete markers from buf, recording which were seen, and
// splits the remainder into text safe to emit and a held-back tail. final
// drops a held tail instead of carrying it forward.
func (s *markerStream) consume(buf string, final bool) (emit, hold string) {
	for {
		if i := strings.Index(buf, contractx.EndOfCall); i >= 0 {
			s.endOfCall = true
			buf = buf[:i] + buf[i+len(contractx.EndOfCall):]
			continue
		}
		if i := strings.Index(buf, contractx.EndOfTurn); i >= 0 {
			s.turnEnded = true
			s.trail += buf[i+len(contractx.EndOfTurn):]
			buf = buf[:i]
			continue
		}
		break
	}
	if s.turnEnded {
		return buf, ""
	}
	if final {
		// Exhaustion with a held marker prefix means the backend was cut off
		// mid-sentinel. The fragment never becomes visible text.
		emit, _ = splitHoldback(buf)
		return emit, ""
	}
	return splitHoldback(buf)
}

// flush emits text once the opening of the stream is past the point where
// it could still be the echoed persona prefix.
func (s *markerStream) flush(emit string) bool {
	if !s.started {
		s.pending += emit
		trimmed := strings.TrimLeft(s.pending, " \n")
		prefix := s.name + ":"
		if s.name != "" && len(trimmed) <= len(prefix) && strings.HasPrefix(prefix, trimmed) {
			return false
		}
		emit = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		s.pending = ""
		if emit == "" {
			return false
		}
		s.started = true
	}
	if emit == "" {
		return false
	}
	s.cur = emit
	s.full.WriteString(emit)
	return true
}

// flushFinal is flush without the hold-back, for stream exhaustion.
func (s *markerStream) flushFinal(emit string) bool {
	if s.started {
		return s.flush(emit)
	}
	trimmed := strings.TrimLeft(s.pending+emit, " \n")
	s.pending = ""
	emit = strings.TrimSpace(strings.TrimPrefix(trimmed, s.name+":"))
	if emit == "" {
		return false
	}
	s.started = true
	s.cur = emit
	s.full.WriteString(emit)
	return true
}

// drainTail consumes what the backend sends after the turn marker. The call
// marker may arrive there, split across fragments or not.
func (s *markerStream) drainTail() {
	if s.drained {
		return
	}
	s.drained = true
	for s.inner.Next() {
		s.trail += s.inner.Current()
	}
	if strings.Contains(s.trail, contractx.EndOfCall) {
		s.endOfCall = true
	}
	s.trail = ""
}

func (s *markerStream) Current() string { return s.cur }

func (s *markerStream) Err() error { return s.inner.Err() }

func (s *markerStream) Close() error { return s.inner.Close() }

// Text returns the clean reply accumulated so far.
func (s *markerStream) Text() string { return strings.TrimSpace(s.full.String()) }

func (s *markerStream) EndOfCall() bool { return s.endOfCall }

// splitHoldback splits buf so that any suffix which is a prefix of a
// sentinel marker stays held back.
func splitHoldback(buf string) (emit, hold string) {
	start := len(buf) - len(contractx.EndOfTurn) + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(buf); i++ {
		tail := buf[i:]
		if strings.HasPrefix(contractx.EndOfTurn, tail) || strings.HasPrefix(contractx.EndOfCall, tail) {
			return buf[:i], buf[i:]
		}
	}
	return buf, ""
}

// singleShotStream yields one pre-generated fragment.
type singleShotStream struct {
	text      string
	endOfCall bool
	done      bool
	emitted   bool
}

func (s *singleShotStream) Next() bool {
	if s.done || s.text == "" {
		s.done = true
		return false
	}
	if s.emitted {
		s.done = true
		return false
	}
	s.emitted = true
	return true
}

func (s *singleShotStream) Current() string { return s.text }

func (s *singleShotStream) Err() error { return nil }

func (s *singleShotStream) Close() error {
	s.done = true
	return nil
}

func (s *singleShotStream) Text() string {
	if s.emitted {
		return s.text
	}
	return ""
}

func (s *singleShotStream) EndOfCall() bool { return s.endOfCall }
