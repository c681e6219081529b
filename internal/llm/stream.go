package llm

import (
	"context"
	"io"
)

// eventStream is a channel-backed Stream fed by a producer goroutine.
// The producer must respect ctx so Close can unblock it.
type eventStream struct {
	events chan Event
	errCh  chan error
	cancel context.CancelFunc
	closed bool
}

// newEventStream runs fn in a goroutine and exposes its emitted events as a
// Stream. When fn returns nil the stream ends with io.EOF; a non-nil return
// is surfaced from Recv. Cancelling the parent context (or calling Close)
// stops the producer.
func newEventStream(ctx context.Context, fn func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		if err := fn(ctx, s.events); err != nil {
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	event, ok := <-s.events
	if !ok {
		if err := <-s.errCh; err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return event, nil
}

// Close cancels the producer and drains any buffered events so a blocked
// producer send cannot leak the goroutine. Safe to call more than once.
func (s *eventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	go func() {
		for range s.events {
		}
	}()
	return nil
}

// emit sends an event unless ctx is done. Returns false when the send was
// abandoned due to cancellation.
func emit(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
