// Package server exposes the turn orchestration pipeline over HTTP: a chat
// stream endpoint bridging engine events to SSE, plus read and write
// endpoints for persisted conversations.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumenchat/lumen/internal/chat"
	"github.com/lumenchat/lumen/internal/config"
	"github.com/lumenchat/lumen/internal/llm"
	"github.com/lumenchat/lumen/internal/mcp"
	"github.com/lumenchat/lumen/internal/registry"
	"github.com/lumenchat/lumen/internal/wire"
)

// ProviderFunc resolves a catalog model to a streaming provider.
type ProviderFunc func(model registry.Model) (llm.Provider, error)

// Server hosts the lumen HTTP API.
type Server struct {
	cfg      *config.Config
	store    chat.Store
	models   *registry.Registry
	pool     *mcp.Pool
	logger   *slog.Logger
	provider ProviderFunc

	server *http.Server

	// busy tracks chat ids with an in-flight stream. One stream per
	// conversation; concurrent submits get 409.
	busyMu sync.Mutex
	busy   map[string]bool
}

// New creates a Server over the given store and model registry.
func New(cfg *config.Config, store chat.Store, models *registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		models: models,
		pool:   mcp.NewPool(logger),
		logger: logger.With("component", "server"),
		busy:   make(map[string]bool),
	}
	s.provider = s.defaultProvider
	return s
}

// SetProviderFunc overrides provider resolution, for tests and embedding.
func (s *Server) SetProviderFunc(fn ProviderFunc) {
	s.provider = fn
}

func (s *Server) defaultProvider(model registry.Model) (llm.Provider, error) {
	cfg := *s.cfg
	cfg.ApplyOverrides(model.Provider, model.ID)
	return llm.NewProvider(&cfg)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/chat", s.auth(s.cors(s.handleChat)))
	mux.HandleFunc("GET /api/chats", s.auth(s.cors(s.handleListChats)))
	mux.HandleFunc("GET /api/chats/{id}", s.auth(s.cors(s.handleGetChat)))
	mux.HandleFunc("POST /api/chats/{id}/messages", s.auth(s.cors(s.handleSaveMessages)))
	mux.HandleFunc("DELETE /api/chats/{id}", s.auth(s.cors(s.handleDeleteChat)))
	mux.HandleFunc("OPTIONS /", s.cors(func(w http.ResponseWriter, r *http.Request) {}))
	return mux
}

// Start runs the HTTP server until it fails to bind or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
	}
	s.logger.Info("listening", "addr", s.cfg.Server.Addr)
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	token := s.cfg.Server.APIKey
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		got := r.Header.Get("Authorization")
		if !strings.HasPrefix(got, prefix) {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}
		got = strings.TrimSpace(strings.TrimPrefix(got, prefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.Server.AllowedOrigins))
	allowAll := len(s.cfg.Server.AllowedOrigins) == 0
	for _, origin := range s.cfg.Server.AllowedOrigins {
		o := strings.TrimSpace(origin)
		if o == "*" {
			allowAll = true
			continue
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-User-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// userID identifies the caller. Single-user deployments omit the header.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return "default"
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	summaries, err := s.store.List(r.Context(), userID(r), limit, offset)
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if summaries == nil {
		summaries = []chat.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": summaries})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.store.Get(r.Context(), id, userID(r))
	if err != nil {
		s.logger.Error("get chat failed", "chat", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("get messages failed", "chat", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, wire.ChatPayload{
		ID:        c.ID,
		Title:     c.Title,
		Messages:  messages,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id, userID(r)); err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSaveMessages is the persistence-write contract. Saves are
// idempotent so clients can retry.
func (s *Server) handleSaveMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	var req wire.SaveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	records := make([]*chat.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		record := chat.NewMessage(chatID, llm.Message{Role: m.Role, Parts: m.Parts})
		if m.ID != "" {
			record.ID = m.ID
		}
		records = append(records, record)
	}
	if err := s.store.SaveMessages(r.Context(), chatID, userID(r), records); err != nil {
		s.logger.Error("save messages failed", "chat", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save messages")
		return
	}
	writeJSON(w, http.StatusOK, wire.SaveResponse{Success: true})
}

func (s *Server) acquireChatSlot(chatID string) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if s.busy[chatID] {
		return false
	}
	s.busy[chatID] = true
	return true
}

func (s *Server) releaseChatSlot(chatID string) {
	s.busyMu.Lock()
	delete(s.busy, chatID)
	s.busyMu.Unlock()
}

func (s *Server) pacingInterval() time.Duration {
	return time.Duration(s.cfg.Pacing.IntervalMs) * time.Millisecond
}
