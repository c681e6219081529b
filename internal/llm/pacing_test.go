package llm

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestSplitLines(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"one line", []string{"one line"}},
		{"a\nb", []string{"a\n", "b"}},
		{"a\nb\n", []string{"a\n", "b\n"}},
		{"\n\n", []string{"\n", "\n"}},
	}
	for _, tc := range cases {
		got := splitLines(tc.input)
		if len(got) != len(tc.want) {
			t.Errorf("splitLines(%q) = %v, want %v", tc.input, got, tc.want)
			continue
		}
		joined := ""
		for i, chunk := range got {
			if chunk != tc.want[i] {
				t.Errorf("splitLines(%q)[%d] = %q, want %q", tc.input, i, chunk, tc.want[i])
			}
			joined += chunk
		}
		if joined != tc.input {
			t.Errorf("splitLines(%q) is not lossless: %q", tc.input, joined)
		}
	}
}

func TestPacingPreservesContentAndOrder(t *testing.T) {
	inner := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		emit(ctx, events, Event{Type: EventTextDelta, Text: "first line\nsecond line\nthird"})
		emit(ctx, events, Event{Type: EventToolExecStart, ToolName: "lookup"})
		emit(ctx, events, Event{Type: EventTextDelta, Text: " continues"})
		emit(ctx, events, Event{Type: EventDone, Reason: FinishStop})
		return nil
	})

	paced := wrapPacing(context.Background(), inner, time.Millisecond)
	defer paced.Close()

	var text string
	var order []EventType
	for {
		event, err := paced.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		order = append(order, event.Type)
		if event.Type == EventTextDelta {
			text += event.Text
		}
	}

	if text != "first line\nsecond line\nthird continues" {
		t.Errorf("pacing corrupted text: %q", text)
	}

	// The tool event must come after all chunks of the first delta and
	// before the second delta.
	want := []EventType{EventTextDelta, EventTextDelta, EventTextDelta, EventToolExecStart, EventTextDelta, EventDone}
	if len(order) != len(want) {
		t.Fatalf("got event order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got event order %v, want %v", order, want)
		}
	}
}

func TestPacingZeroIntervalIsPassthrough(t *testing.T) {
	inner := newEventStream(context.Background(), func(ctx context.Context, events chan<- Event) error {
		emit(ctx, events, Event{Type: EventTextDelta, Text: "a\nb\nc"})
		return nil
	})
	paced := wrapPacing(context.Background(), inner, 0)
	if paced != inner {
		t.Error("expected zero interval to return the inner stream unchanged")
	}
	paced.Close()
}

func TestPacingStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		for i := 0; i < 1000; i++ {
			if !emit(ctx, events, Event{Type: EventTextDelta, Text: "line\n"}) {
				return ctx.Err()
			}
		}
		return nil
	})

	paced := wrapPacing(ctx, inner, 10*time.Millisecond)
	defer paced.Close()

	if _, err := paced.Recv(); err != nil {
		t.Fatalf("first recv: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("pacing did not stop after cancel")
		default:
		}
		_, err := paced.Recv()
		if err != nil {
			if err != context.Canceled && err != io.EOF {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
	}
}
