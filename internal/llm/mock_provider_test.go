package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// MockProvider plays back scripted responses, one per Stream call, and
// records every request it receives.
type MockProvider struct {
	name string
	caps Capabilities

	mu        sync.Mutex
	responses []mockResponse
	next      int

	Requests []Request
}

type mockResponse struct {
	events []Event
	err    error
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		caps: Capabilities{ToolCalls: true},
	}
}

func (p *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	p.caps = caps
	return p
}

func (p *MockProvider) Name() string               { return p.name }
func (p *MockProvider) Capabilities() Capabilities { return p.caps }

// AddTextResponse queues a plain text response.
func (p *MockProvider) AddTextResponse(text string) *MockProvider {
	return p.AddResponse(
		Event{Type: EventTextDelta, Text: text},
		Event{Type: EventUsage, Use: &Usage{InputTokens: 10, OutputTokens: 5}},
		Event{Type: EventDone, Reason: FinishStop},
	)
}

// AddToolCall queues a response asking for one tool invocation.
func (p *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, _ := json.Marshal(args)
	return p.AddResponse(
		Event{Type: EventToolCall, Tool: &ToolCall{ID: id, Name: name, Arguments: raw}},
		Event{Type: EventDone, Reason: FinishStop},
	)
}

// AddResponse queues a raw event sequence.
func (p *MockProvider) AddResponse(events ...Event) *MockProvider {
	p.mu.Lock()
	p.responses = append(p.responses, mockResponse{events: events})
	p.mu.Unlock()
	return p
}

// AddError queues a stream that fails with err.
func (p *MockProvider) AddError(err error) *MockProvider {
	p.mu.Lock()
	p.responses = append(p.responses, mockResponse{err: err})
	p.mu.Unlock()
	return p
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	var resp mockResponse
	if p.next < len(p.responses) {
		resp = p.responses[p.next]
		p.next++
	}
	p.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if resp.err != nil {
			return resp.err
		}
		for _, event := range resp.events {
			if !emit(ctx, events, event) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}
