package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/wire"
)

// fakeServer scripts the lumen HTTP API for session tests.
type fakeServer struct {
	ts *httptest.Server

	mu      sync.Mutex
	submits []wire.SubmitRequest
	// chatHandlers run in order, one per POST /api/chat.
	chatHandlers []http.HandlerFunc
	nextChat     int

	getChatStatus  int
	getChatPayload *wire.ChatPayload
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{getChatStatus: http.StatusNotFound}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req wire.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.submits = append(f.submits, req)
		var handler http.HandlerFunc
		if f.nextChat < len(f.chatHandlers) {
			handler = f.chatHandlers[f.nextChat]
			f.nextChat++
		}
		f.mu.Unlock()
		if handler == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		handler(w, r)
	})
	mux.HandleFunc("GET /api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, payload := f.getChatStatus, f.getChatPayload
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"chat not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("GET /api/chats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chats":[]}`)
	})

	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeServer) addChatResponse(fn http.HandlerFunc) {
	f.mu.Lock()
	f.chatHandlers = append(f.chatHandlers, fn)
	f.mu.Unlock()
}

// addTextResponse scripts a normal SSE stream answering with text.
func (f *fakeServer) addTextResponse(text string) {
	f.addChatResponse(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: %s\ndata: {\"text\":%q}\n\n", wire.EventTextDelta, text)
		fmt.Fprintf(w, "event: %s\ndata: {\"reason\":\"stop\"}\n\n", wire.EventFinish)
	})
}

// addErrorResponse scripts a stream that fails mid-way.
func (f *fakeServer) addErrorResponse(message string) {
	f.addChatResponse(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: %s\ndata: {\"message\":%q}\n\n", wire.EventError, message)
	})
}

func (f *fakeServer) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func TestSessionMissingChatStartsEmpty(t *testing.T) {
	f := newFakeServer(t)

	var notified []string
	session := NewSession(NewAPI(f.ts.URL, ""), NewCache(), "user-1", "route-id", Options{
		Notifier: func(msg string) { notified = append(notified, msg) },
	})

	session.Load(context.Background())

	if len(session.Messages()) != 0 {
		t.Errorf("expected empty history, got %d messages", len(session.Messages()))
	}
	if len(notified) != 0 {
		t.Errorf("a missing record is not an error, got notifications %v", notified)
	}
	if session.IsLoading() {
		t.Error("expected loading to finish")
	}
}

func TestSessionLoadFailureKeepsSessionUsable(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.getChatStatus = http.StatusInternalServerError
	f.mu.Unlock()

	var mu sync.Mutex
	var notified []string
	session := NewSession(NewAPI(f.ts.URL, ""), NewCache(), "user-1", "route-id", Options{
		Notifier: func(msg string) {
			mu.Lock()
			notified = append(notified, msg)
			mu.Unlock()
		},
	})

	session.Load(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %v", notified)
	}
	if len(session.Messages()) != 0 {
		t.Error("expected empty history after load failure")
	}
	// The composer still works: a submit goes through.
	f.addTextResponse("still works")
	session.Submit(context.Background(), "hello")
	session.Wait()
	if f.submitCount() != 1 {
		t.Error("expected submit to reach the server after a failed load")
	}
}

func TestSessionNewConversationNavigatesOnce(t *testing.T) {
	f := newFakeServer(t)
	f.addTextResponse("first")
	f.addTextResponse("second")

	var mu sync.Mutex
	var navigations []string
	session := NewSession(NewAPI(f.ts.URL, ""), NewCache(), "user-1", "", Options{
		Navigator: func(id string) {
			mu.Lock()
			navigations = append(navigations, id)
			mu.Unlock()
		},
	})

	if session.ChatID() == "" {
		t.Fatal("expected a synthesized conversation id")
	}
	// No record exists before the first send.
	if f.submitCount() != 0 {
		t.Fatal("no request expected before first submit")
	}

	session.Submit(context.Background(), "one")
	session.Wait()
	session.Submit(context.Background(), "two")
	session.Wait()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(navigations)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(navigations) != 1 {
		t.Fatalf("expected exactly one navigation, got %v", navigations)
	}
	if navigations[0] != session.ChatID() {
		t.Errorf("navigated to %q, want %q", navigations[0], session.ChatID())
	}
}

func TestSessionSubmitAppendsHistoryAndInvalidatesCache(t *testing.T) {
	f := newFakeServer(t)
	f.addTextResponse("the answer")

	cache := NewCache()
	invalidated := make(chan string, 1)
	cache.Subscribe(func(userID string) {
		select {
		case invalidated <- userID:
		default:
		}
	})

	session := NewSession(NewAPI(f.ts.URL, ""), cache, "user-1", "chat-1", Options{Model: "claude-haiku-4-5"})
	session.Submit(context.Background(), "question")
	session.Wait()

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(messages))
	}
	if messages[1].Role != llm.RoleAssistant || messages[1].Parts[0].Text != "the answer" {
		t.Errorf("unexpected assistant message: %+v", messages[1])
	}
	if session.Status() != StatusIdle {
		t.Errorf("status = %q, want idle", session.Status())
	}

	f.mu.Lock()
	submitted := f.submits[0]
	f.mu.Unlock()
	if submitted.ChatID != "chat-1" || submitted.SelectedModel != "claude-haiku-4-5" {
		t.Errorf("unexpected submit request: %+v", submitted)
	}
	if len(submitted.Messages) != 1 || submitted.Messages[0].Role != llm.RoleUser {
		t.Errorf("expected full history in submit, got %+v", submitted.Messages)
	}

	select {
	case userID := <-invalidated:
		if userID != "user-1" {
			t.Errorf("invalidated %q, want user-1", userID)
		}
	case <-time.After(time.Second):
		t.Error("expected cache invalidation after completion")
	}
}

func TestSessionStreamErrorNotifiesAndReturnsToIdle(t *testing.T) {
	f := newFakeServer(t)
	f.addErrorResponse("model unavailable")

	var mu sync.Mutex
	var notified []string
	session := NewSession(NewAPI(f.ts.URL, ""), NewCache(), "user-1", "chat-1", Options{
		Notifier: func(msg string) {
			mu.Lock()
			notified = append(notified, msg)
			mu.Unlock()
		},
	})

	session.Submit(context.Background(), "hello")
	session.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != "model unavailable" {
		t.Fatalf("expected the error text to be notified, got %v", notified)
	}
	if session.Status() != StatusIdle {
		t.Errorf("status = %q, want idle after error", session.Status())
	}
}

func TestSessionLastSubmitWins(t *testing.T) {
	f := newFakeServer(t)

	firstCancelled := make(chan struct{})
	f.addChatResponse(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: %s\ndata: {\"text\":\"partial\"}\n\n", wire.EventTextDelta)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-r.Context().Done()
		close(firstCancelled)
	})
	f.addTextResponse("fresh answer")

	streamed := make(chan struct{}, 1)
	session := NewSession(NewAPI(f.ts.URL, ""), NewCache(), "user-1", "chat-1", Options{
		OnEvent: func(ev StreamEvent) {
			if ev.TextDelta != nil {
				select {
				case streamed <- struct{}{}:
				default:
				}
			}
		},
	})

	session.Submit(context.Background(), "first")
	select {
	case <-streamed:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream never delivered text")
	}

	session.Submit(context.Background(), "second")

	select {
	case <-firstCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the first request to be cancelled")
	}

	session.Wait()

	if f.submitCount() != 2 {
		t.Fatalf("expected 2 submits, got %d", f.submitCount())
	}
	messages := session.Messages()
	last := messages[len(messages)-1]
	if last.Role != llm.RoleAssistant || last.Parts[0].Text != "fresh answer" {
		t.Errorf("expected the second stream's answer, got %+v", last)
	}
	if session.Status() != StatusIdle {
		t.Errorf("status = %q, want idle", session.Status())
	}
}

func TestCacheInvalidateUserScopesByUser(t *testing.T) {
	cache := NewCache()
	cache.SetChat("chat-1", "user-1", &wire.ChatPayload{ID: "chat-1"})
	cache.SetChat("chat-2", "user-2", &wire.ChatPayload{ID: "chat-2"})
	cache.SetList("user-1", nil)

	cache.InvalidateUser("user-1")

	if _, ok := cache.GetChat("chat-1", "user-1"); ok {
		t.Error("expected user-1 chat to be invalidated")
	}
	if _, ok := cache.GetChat("chat-2", "user-2"); !ok {
		t.Error("expected user-2 chat to survive")
	}
	if _, ok := cache.GetList("user-1"); ok {
		t.Error("expected user-1 list to be invalidated")
	}
}
