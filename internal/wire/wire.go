// Package wire defines the request bodies and SSE event payloads shared by
// the server handlers and the client library.
package wire

import (
	"encoding/json"
	"time"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/mcp"
)

// SubmitRequest is the POST /api/chat body. Each submit carries the full
// conversation so the server stays stateless between requests.
type SubmitRequest struct {
	Messages      []llm.Message    `json:"messages"`
	SelectedModel string           `json:"selectedModel,omitempty"`
	MCPServers    []mcp.Descriptor `json:"mcpServers,omitempty"`
	ChatID        string           `json:"chatId"`
	UserID        string           `json:"userId,omitempty"`
}

// SaveRequest is the POST /api/chats/{id}/messages body.
type SaveRequest struct {
	ChatID   string         `json:"chatId"`
	Messages []SavedMessage `json:"messages"`
}

// SavedMessage is one message to persist. Retries reuse the same id so the
// write stays idempotent.
type SavedMessage struct {
	ID    string     `json:"id,omitempty"`
	Role  llm.Role   `json:"role"`
	Parts []llm.Part `json:"parts"`
}

// SaveResponse acknowledges a persistence write.
type SaveResponse struct {
	Success bool `json:"success"`
}

// ChatPayload is the GET /api/chats/{id} response.
type ChatPayload struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// SSE event names emitted by POST /api/chat.
const (
	EventTextDelta  = "text-delta"
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
	EventFinish     = "finish"
	EventError      = "error"
)

// TextDelta carries a chunk of assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCall announces a tool invocation the model requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"isError,omitempty"`
}

// Finish ends the stream. Reason is "stop" or "max-steps".
type Finish struct {
	Reason       string `json:"reason"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// Error surfaces a stream failure to the client.
type Error struct {
	Message string `json:"message"`
}
