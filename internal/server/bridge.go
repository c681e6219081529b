package server

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/wire"
)

// handleChat runs one conversation turn and bridges engine events onto an
// SSE response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req wire.SubmitRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}
	uid := req.UserID
	if uid == "" {
		uid = userID(r)
	}

	if !s.acquireChatSlot(req.ChatID) {
		writeError(w, http.StatusConflict, "a response is already streaming for this conversation")
		return
	}
	defer s.releaseChatSlot(req.ChatID)

	model, err := s.models.Resolve(req.SelectedModel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	provider, err := s.provider(model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	lease, err := s.pool.Acquire(ctx, req.MCPServers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer lease.Release()

	tools := llm.NewToolRegistry()
	lease.Register(tools)

	engine := llm.NewEngine(provider, tools, s.logger)
	engine.SetPacing(s.pacingInterval())

	bridge := newBridge(s, req.ChatID, uid, req.Messages)
	engine.SetStepCallback(bridge.collect)

	stream, err := engine.Stream(ctx, llm.Request{
		Model:    model.ID,
		Messages: req.Messages,
		Tools:    tools.AllSpecs(),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	// From here the stream has started; persistence runs exactly once no
	// matter how the loop exits, and failures are logged only.
	defer bridge.finalize()

	var usage wire.Finish
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bridge.finalize()
			_ = writeSSEEvent(w, wire.EventError, wire.Error{Message: err.Error()})
			flusher.Flush()
			return
		}

		switch ev.Type {
		case llm.EventTextDelta:
			bridge.appendText(ev.Text)
			_ = writeSSEEvent(w, wire.EventTextDelta, wire.TextDelta{Text: ev.Text})
		case llm.EventToolExecStart:
			_ = writeSSEEvent(w, wire.EventToolCall, wire.ToolCall{
				ID:   ev.ToolCallID,
				Name: ev.ToolName,
			})
		case llm.EventToolExecEnd:
			_ = writeSSEEvent(w, wire.EventToolResult, wire.ToolResult{
				ID:      ev.ToolCallID,
				Name:    ev.ToolName,
				Output:  ev.ToolOutput,
				IsError: !ev.ToolSuccess,
			})
		case llm.EventUsage:
			if ev.Use != nil {
				usage.InputTokens += ev.Use.InputTokens
				usage.OutputTokens += ev.Use.OutputTokens
			}
			continue
		case llm.EventDone:
			bridge.finalize()
			usage.Reason = ev.Reason
			_ = writeSSEEvent(w, wire.EventFinish, usage)
		default:
			continue
		}
		flusher.Flush()
	}
}

// bridge accumulates the turn's output for persistence. Messages come from
// the engine's step callback; streamed text is tracked separately so a
// cancelled or failed turn can still persist partial content.
type bridge struct {
	server   *Server
	chatID   string
	userID   string
	incoming []llm.Message

	mu        sync.Mutex
	collected []llm.Message
	text      string

	once sync.Once
}

func newBridge(s *Server, chatID, userID string, incoming []llm.Message) *bridge {
	return &bridge{server: s, chatID: chatID, userID: userID, incoming: incoming}
}

func (b *bridge) collect(step int, messages []llm.Message) {
	b.mu.Lock()
	b.collected = append(b.collected, messages...)
	// Step messages supersede the raw text accumulator.
	b.text = ""
	b.mu.Unlock()
}

func (b *bridge) appendText(text string) {
	b.mu.Lock()
	b.text += text
	b.mu.Unlock()
}

// finalize persists the turn: the latest user message, the completed step
// messages, and any streamed text not yet folded into a step (a cancel while
// the final answer streams leaves such a tail). Skipped when the model
// produced nothing. Idempotent, and storage failure never surfaces to the
// already-delivered stream.
func (b *bridge) finalize() {
	b.once.Do(func() {
		b.mu.Lock()
		produced := b.collected
		if b.text != "" {
			produced = append(produced, llm.AssistantText(b.text))
		}
		b.mu.Unlock()

		if len(produced) == 0 {
			return
		}

		var turn []llm.Message
		if last := lastUserMessage(b.incoming); last != nil {
			turn = append(turn, *last)
		}
		turn = append(turn, produced...)

		records := make([]*chat.Message, 0, len(turn))
		for _, m := range turn {
			records = append(records, chat.NewMessage(b.chatID, m))
		}

		// The request context may already be cancelled.
		if err := b.server.store.SaveMessages(context.Background(), b.chatID, b.userID, records); err != nil {
			b.server.logger.Error("persist turn failed", "chat", b.chatID, "error", err)
		}
	})
}

func lastUserMessage(messages []llm.Message) *llm.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return &messages[i]
		}
	}
	return nil
}
