package client

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/mcp"
	"github.com/lumenchat/lumen/internal/wire"
)

// Status is the session state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

const genericErrorMessage = "Something went wrong. Please try again."

// Options configures a Session.
type Options struct {
	// Model is the selected model id sent with every submit.
	Model string
	// Tools are the tool server descriptors sent with every submit.
	Tools []mcp.Descriptor
	// Notifier receives user-facing error text.
	Notifier func(message string)
	// Navigator fires once with the durable conversation id on the first
	// submit of a conversation that started without a route id.
	Navigator func(chatID string)
	// OnEvent observes every stream event, for rendering.
	OnEvent func(StreamEvent)

	Logger *slog.Logger
}

// Session drives one conversation: history load, abortable submits, and
// cache invalidation. At most one stream is in flight; a new submit cancels
// the previous one.
type Session struct {
	api    *API
	cache  *Cache
	userID string
	chatID string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	loading   bool
	messages  []llm.Message
	streamed  strings.Builder
	cancel    context.CancelFunc
	done      chan struct{}
	gen       int
	navigated bool
}

// NewSession creates a session for chatID. An empty chatID starts a new
// conversation: an id is synthesized immediately but no record exists until
// the first send.
func NewSession(api *API, cache *Cache, userID, chatID string, opts Options) *Session {
	isNew := chatID == ""
	if isNew {
		chatID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		api:    api,
		cache:  cache,
		userID: userID,
		chatID: chatID,
		opts:   opts,
		logger: opts.Logger.With("component", "session"),
		status: StatusIdle,
		// Conversations opened by route id already have a durable route.
		navigated: !isNew,
	}
}

// ChatID returns the conversation id. Stable for the session's lifetime.
func (s *Session) ChatID() string { return s.chatID }

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsLoading reports whether history is loading or a submit is in flight.
func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading || s.status == StatusSubmitted || s.status == StatusStreaming
}

// Messages returns a copy of the conversation history.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// StreamingText returns the assistant text streamed so far in the current
// turn.
func (s *Session) StreamingText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed.String()
}

// Load fetches the conversation history. A missing record means a fresh
// conversation; any other failure is notified and leaves the session usable
// with empty history.
func (s *Session) Load(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	payload, ok := s.cache.GetChat(s.chatID, s.userID)
	if !ok {
		var err error
		payload, err = s.api.GetChat(ctx, s.chatID, s.userID)
		if err == ErrNotFound {
			return
		}
		if err != nil {
			s.logger.Error("load history failed", "chat", s.chatID, "error", err)
			s.notify(genericErrorMessage)
			return
		}
		s.cache.SetChat(s.chatID, s.userID, payload)
	}

	history := make([]llm.Message, 0, len(payload.Messages))
	for i := range payload.Messages {
		history = append(history, payload.Messages[i].ToLLMMessage())
	}

	s.mu.Lock()
	s.messages = history
	s.mu.Unlock()
}

// Submit sends text as a new user turn. A stream already in flight is
// cancelled first; its flushed output stands.
func (s *Session) Submit(ctx context.Context, text string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	gen := s.gen

	s.messages = append(s.messages, llm.UserText(text))
	history := make([]llm.Message, len(s.messages))
	copy(history, s.messages)

	s.streamed.Reset()
	s.status = StatusSubmitted

	if !s.navigated {
		s.navigated = true
		if s.opts.Navigator != nil {
			// Presentation only; the stream is not interrupted.
			go s.opts.Navigator(s.chatID)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.run(runCtx, gen, history, done)
}

func (s *Session) run(ctx context.Context, gen int, history []llm.Message, done chan struct{}) {
	defer close(done)

	err := s.api.Submit(ctx, wire.SubmitRequest{
		Messages:      history,
		SelectedModel: s.opts.Model,
		MCPServers:    s.opts.Tools,
		ChatID:        s.chatID,
		UserID:        s.userID,
	}, func(ev StreamEvent) {
		s.handleEvent(gen, ev)
	})

	s.mu.Lock()
	if gen != s.gen {
		// Superseded by a newer submit.
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	cancelled := ctx.Err() != nil
	failed := err != nil && !cancelled

	if text := s.streamed.String(); text != "" {
		s.messages = append(s.messages, llm.AssistantText(text))
	}
	s.streamed.Reset()

	if failed {
		s.status = StatusError
	} else {
		s.status = StatusIdle
	}
	s.mu.Unlock()

	if failed {
		s.logger.Error("stream failed", "chat", s.chatID, "error", err)
		message := err.Error()
		if message == "" {
			message = genericErrorMessage
		}
		s.notify(message)
		s.mu.Lock()
		if gen == s.gen {
			s.status = StatusIdle
		}
		s.mu.Unlock()
		return
	}

	if !cancelled {
		s.cache.InvalidateUser(s.userID)
	}
}

func (s *Session) handleEvent(gen int, ev StreamEvent) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.status = StatusStreaming
	if ev.TextDelta != nil {
		s.streamed.WriteString(ev.TextDelta.Text)
	}
	s.mu.Unlock()

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// Abort cancels the in-flight stream, if any. Output received so far stands.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current submit finishes. No-op when idle.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ListChats returns the user's conversations, reading through the cache.
func (s *Session) ListChats(ctx context.Context) ([]chat.Summary, error) {
	if list, ok := s.cache.GetList(s.userID); ok {
		return list, nil
	}
	list, err := s.api.ListChats(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	s.cache.SetList(s.userID, list)
	return list, nil
}

func (s *Session) notify(message string) {
	if s.opts.Notifier != nil {
		s.opts.Notifier(message)
	}
}
