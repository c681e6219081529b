package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/config"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/registry"
	"github.com/lumenchat/lumen/internal/wire"
)

// scriptedProvider plays back one event sequence per Stream call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]llm.Event
	next      int

	// block, when set, delays every Stream call until the channel closes.
	block chan struct{}
	// started is closed when the first Stream call arrives.
	started   chan struct{}
	startOnce sync.Once
}

func (p *scriptedProvider) Name() string                   { return "scripted" }
func (p *scriptedProvider) Capabilities() llm.Capabilities { return llm.Capabilities{ToolCalls: true} }

func (p *scriptedProvider) add(events ...llm.Event) {
	p.mu.Lock()
	p.responses = append(p.responses, events)
	p.mu.Unlock()
}

func (p *scriptedProvider) addText(text string) {
	p.add(
		llm.Event{Type: llm.EventTextDelta, Text: text},
		llm.Event{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: 3, OutputTokens: 7}},
		llm.Event{Type: llm.EventDone, Reason: llm.FinishStop},
	)
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	var events []llm.Event
	if p.next < len(p.responses) {
		events = p.responses[p.next]
		p.next++
	}
	block := p.block
	p.mu.Unlock()

	if p.started != nil {
		p.startOnce.Do(func() { close(p.started) })
	}
	return &scriptedStream{ctx: ctx, block: block, events: events}, nil
}

type scriptedStream struct {
	ctx    context.Context
	block  chan struct{}
	events []llm.Event
	pos    int
}

func (s *scriptedStream) Recv() (llm.Event, error) {
	if s.block != nil {
		select {
		case <-s.block:
			s.block = nil
		case <-s.ctx.Done():
			return llm.Event{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return llm.Event{}, err
	}
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	event := s.events[s.pos]
	s.pos++
	return event, nil
}

func (s *scriptedStream) Close() error { return nil }

// countingStore counts SaveMessages calls on top of a real store.
type countingStore struct {
	chat.Store
	saves atomic.Int32
}

func (s *countingStore) SaveMessages(ctx context.Context, chatID, userID string, messages []*chat.Message) error {
	s.saves.Add(1)
	return s.Store.SaveMessages(ctx, chatID, userID, messages)
}

func newTestServer(t *testing.T, provider llm.Provider) (*httptest.Server, *countingStore) {
	t.Helper()

	inner, err := chat.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	store := &countingStore{Store: inner}

	models, err := registry.Load("")
	if err != nil {
		t.Fatalf("load models: %v", err)
	}

	cfg := &config.Config{}
	srv := New(cfg, store, models, nil)
	srv.SetProviderFunc(func(model registry.Model) (llm.Provider, error) {
		return provider, nil
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func submitBody(t *testing.T, chatID, text string) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(wire.SubmitRequest{
		Messages: []llm.Message{llm.UserText(text)},
		ChatID:   chatID,
		UserID:   "user-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return strings.NewReader(string(body))
}

type sseEvent struct {
	name string
	data string
}

func readSSEEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(string(raw), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestChatStreamEndToEnd(t *testing.T) {
	provider := &scriptedProvider{}
	provider.addText("Hello from the model")
	ts, store := newTestServer(t, provider)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", submitBody(t, "chat-1", "hi"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := readSSEEvents(t, resp.Body)
	var text string
	var finish *wire.Finish
	for _, ev := range events {
		switch ev.name {
		case wire.EventTextDelta:
			var delta wire.TextDelta
			if err := json.Unmarshal([]byte(ev.data), &delta); err != nil {
				t.Fatalf("parse delta: %v", err)
			}
			text += delta.Text
		case wire.EventFinish:
			finish = &wire.Finish{}
			if err := json.Unmarshal([]byte(ev.data), finish); err != nil {
				t.Fatalf("parse finish: %v", err)
			}
		}
	}
	if text != "Hello from the model" {
		t.Errorf("streamed text = %q", text)
	}
	if finish == nil || finish.Reason != llm.FinishStop {
		t.Fatalf("expected finish event with stop reason, got %+v", finish)
	}

	// The turn was persisted exactly once: user message plus assistant
	// response.
	if got := store.saves.Load(); got != 1 {
		t.Errorf("SaveMessages called %d times, want 1", got)
	}
	messages, err := store.GetMessages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != llm.RoleUser || messages[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}
	if messages[1].Content != "Hello from the model" {
		t.Errorf("persisted assistant content = %q", messages[1].Content)
	}
}

func TestChatStreamNothingProducedSkipsPersistence(t *testing.T) {
	provider := &scriptedProvider{}
	provider.add(llm.Event{Type: llm.EventDone, Reason: llm.FinishStop})
	ts, store := newTestServer(t, provider)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", submitBody(t, "chat-1", "hi"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if got := store.saves.Load(); got != 0 {
		t.Errorf("expected no persistence for an empty turn, got %d saves", got)
	}
}

func TestChatConcurrentSubmitConflicts(t *testing.T) {
	provider := &scriptedProvider{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	provider.addText("slow answer")
	provider.addText("second answer")
	ts, _ := newTestServer(t, provider)

	firstDone := make(chan error, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/api/chat", "application/json", submitBody(t, "chat-1", "hi"))
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		firstDone <- err
	}()

	// Wait until the first request holds the chat slot.
	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream never started")
	}

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", submitBody(t, "chat-1", "again"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	status := resp.StatusCode
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409 while a stream is in flight", status)
	}

	close(provider.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Slot released: a new submit on the same chat succeeds.
	resp, err = http.Post(ts.URL+"/api/chat", "application/json", submitBody(t, "chat-1", "next"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status after release = %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
}

func TestFinalizePersistsPartialTextAfterToolStep(t *testing.T) {
	inner, err := chat.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer inner.Close()
	models, err := registry.Load("")
	if err != nil {
		t.Fatalf("load models: %v", err)
	}
	srv := New(&config.Config{}, inner, models, nil)

	// A completed tool step followed by final text that was cut off
	// mid-stream: the flushed partial text must be persisted too.
	b := newBridge(srv, "chat-1", "user-1", []llm.Message{llm.UserText("hi")})
	toolCall := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "call-1", Name: "lookup"}},
	}}
	b.collect(0, []llm.Message{toolCall, llm.ToolResultMessage("call-1", "lookup", "data")})
	b.appendText("partial final answer")
	b.finalize()

	messages, err := inner.GetMessages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 persisted messages, got %d", len(messages))
	}
	last := messages[3]
	if last.Role != llm.RoleAssistant || last.Content != "partial final answer" {
		t.Errorf("expected the streamed tail persisted last, got role %s content %q", last.Role, last.Content)
	}
}

func TestGetChatNotFound(t *testing.T) {
	ts, _ := newTestServer(t, &scriptedProvider{})

	resp, err := http.Get(ts.URL + "/api/chats/no-such-chat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSaveMessagesEndpointIsIdempotent(t *testing.T) {
	ts, store := newTestServer(t, &scriptedProvider{})

	save := wire.SaveRequest{
		ChatID: "chat-1",
		Messages: []wire.SavedMessage{
			{ID: "msg-1", Role: llm.RoleUser, Parts: []llm.Part{{Type: llm.PartText, Text: "hello"}}},
			{ID: "msg-2", Role: llm.RoleAssistant, Parts: []llm.Part{{Type: llm.PartText, Text: "hi"}}},
		},
	}
	body, _ := json.Marshal(save)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/api/chats/chat-1/messages", "application/json", strings.NewReader(string(body)))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		var ack wire.SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if !ack.Success {
			t.Fatalf("save %d not acknowledged", i)
		}
	}

	messages, err := store.GetMessages(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("expected 2 messages after retried save, got %d", len(messages))
	}
}

func TestListChats(t *testing.T) {
	provider := &scriptedProvider{}
	provider.addText("answer one")
	provider.addText("answer two")
	ts, _ := newTestServer(t, provider)

	for i := 1; i <= 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/chat",
			submitBody(t, fmt.Sprintf("chat-%d", i), "hello"))
		req.Header.Set("X-User-Id", "user-1")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/chats", nil)
	req.Header.Set("X-User-Id", "user-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Chats []chat.Summary `json:"chats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Chats) != 2 {
		t.Errorf("expected 2 chats, got %d", len(payload.Chats))
	}
}

func TestBearerAuth(t *testing.T) {
	provider := &scriptedProvider{}
	inner, err := chat.NewSQLiteStore(filepath.Join(t.TempDir(), "chats.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer inner.Close()
	models, _ := registry.Load("")

	cfg := &config.Config{}
	cfg.Server.APIKey = "secret"
	srv := New(cfg, inner, models, nil)
	srv.SetProviderFunc(func(model registry.Model) (llm.Provider, error) { return provider, nil })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/chats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/chats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", resp.StatusCode)
	}
}
