package llm

import (
	"context"
	"strings"
	"time"
)

// paceStream smooths text output by splitting buffered text deltas into
// line-sized chunks and releasing them with a fixed delay between chunks.
// It is a presentation transform only: chunks are delivered in generation
// order and reassemble to exactly the original text. Non-text events pass
// through untouched.
type paceStream struct {
	inner    Stream
	ctx      context.Context
	interval time.Duration
	pending  []Event
}

// wrapPacing returns inner unchanged when interval is zero.
func wrapPacing(ctx context.Context, inner Stream, interval time.Duration) Stream {
	if interval <= 0 {
		return inner
	}
	return &paceStream{inner: inner, ctx: ctx, interval: interval}
}

func (s *paceStream) Recv() (Event, error) {
	if len(s.pending) > 0 {
		event := s.pending[0]
		s.pending = s.pending[1:]
		if err := s.wait(); err != nil {
			return Event{}, err
		}
		return event, nil
	}

	event, err := s.inner.Recv()
	if err != nil {
		return event, err
	}
	if event.Type != EventTextDelta || event.Text == "" {
		return event, nil
	}

	chunks := splitLines(event.Text)
	if len(chunks) == 1 {
		if err := s.wait(); err != nil {
			return Event{}, err
		}
		return event, nil
	}
	for _, chunk := range chunks[1:] {
		s.pending = append(s.pending, Event{Type: EventTextDelta, Text: chunk})
	}
	if err := s.wait(); err != nil {
		return Event{}, err
	}
	return Event{Type: EventTextDelta, Text: chunks[0]}, nil
}

func (s *paceStream) wait() error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *paceStream) Close() error {
	return s.inner.Close()
}

// splitLines breaks text on newline boundaries, keeping the newline attached
// to the chunk that precedes it so concatenation is lossless.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			chunks = append(chunks, text)
			return chunks
		}
		chunks = append(chunks, text[:idx+1])
		text = text[idx+1:]
		if text == "" {
			return chunks
		}
	}
}
