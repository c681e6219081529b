// Package client implements the conversation front end: the HTTP API
// wrapper, the chat cache, and the session driving an abortable submit flow.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/wire"
)

// ErrNotFound reports a chat with no server record.
var ErrNotFound = errors.New("chat not found")

// API talks to a lumen server.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI creates an API client for the server at baseURL.
func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		// No overall timeout: streams are bounded by the request context.
		http: &http.Client{},
	}
}

func (a *API) newRequest(ctx context.Context, method, path, userID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	return req, nil
}

func decodeResponse(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func readErrorBody(r io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "unknown error"
}

// GetChat loads a conversation with its messages. Returns ErrNotFound when
// the chat has no record yet.
func (a *API) GetChat(ctx context.Context, chatID, userID string) (*wire.ChatPayload, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/api/chats/"+chatID, userID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	var payload wire.ChatPayload
	if err := decodeResponse(resp, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ListChats returns the user's conversations, most recent first.
func (a *API) ListChats(ctx context.Context, userID string) ([]chat.Summary, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/api/chats", userID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	var payload struct {
		Chats []chat.Summary `json:"chats"`
	}
	if err := decodeResponse(resp, &payload); err != nil {
		return nil, err
	}
	return payload.Chats, nil
}

// SaveMessages writes a turn through the persistence endpoint. Idempotent
// server-side, so callers may retry.
func (a *API) SaveMessages(ctx context.Context, chatID, userID string, save wire.SaveRequest) error {
	body, err := json.Marshal(save)
	if err != nil {
		return err
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", userID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	return decodeResponse(resp, nil)
}

// StreamEvent is one parsed server-sent event from a chat stream.
type StreamEvent struct {
	Type       string
	TextDelta  *wire.TextDelta
	ToolCall   *wire.ToolCall
	ToolResult *wire.ToolResult
	Finish     *wire.Finish
}

// Submit posts a turn and invokes onEvent for each streamed event until the
// stream ends. The server's error event is returned as an error.
func (a *API) Submit(ctx context.Context, submit wire.SubmitRequest, onEvent func(StreamEvent)) error {
	body, err := json.Marshal(submit)
	if err != nil {
		return err
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/api/chat", submit.UserID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}

	return readSSE(resp.Body, onEvent)
}

func readSSE(r io.Reader, onEvent func(StreamEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			if err := dispatchSSE(eventName, data, onEvent); err != nil {
				return err
			}
			eventName = ""
		}
	}
	return scanner.Err()
}

func dispatchSSE(name string, data []byte, onEvent func(StreamEvent)) error {
	switch name {
	case wire.EventTextDelta:
		var payload wire.TextDelta
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s event: %w", name, err)
		}
		onEvent(StreamEvent{Type: name, TextDelta: &payload})
	case wire.EventToolCall:
		var payload wire.ToolCall
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s event: %w", name, err)
		}
		onEvent(StreamEvent{Type: name, ToolCall: &payload})
	case wire.EventToolResult:
		var payload wire.ToolResult
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s event: %w", name, err)
		}
		onEvent(StreamEvent{Type: name, ToolResult: &payload})
	case wire.EventFinish:
		var payload wire.Finish
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s event: %w", name, err)
		}
		onEvent(StreamEvent{Type: name, Finish: &payload})
	case wire.EventError:
		var payload wire.Error
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s event: %w", name, err)
		}
		return errors.New(payload.Message)
	}
	return nil
}

// Healthy reports whether the server answers its health endpoint.
func (a *API) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := a.newRequest(ctx, http.MethodGet, "/healthz", "", nil)
	if err != nil {
		return false
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
