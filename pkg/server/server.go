// Package server exposes the agent runtime over HTTP+JSON with SSE
// streaming for completions.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atrium-ai/atrium/pkg/agent"
	"github.com/atrium-ai/atrium/pkg/errors"
	"github.com/atrium-ai/atrium/pkg/sandbox"
	"github.com/atrium-ai/atrium/pkg/skills"
	"github.com/atrium-ai/atrium/pkg/store"
)

// Server routes the /agent API.
type Server struct {
	engine   *agent.Engine
	store    *store.Store
	registry *skills.Registry
	gateway  *sandbox.Client
	logger   *slog.Logger
}

// New creates the HTTP server facade.
func New(engine *agent.Engine, s *store.Store, registry *skills.Registry, gateway *sandbox.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, store: s, registry: registry, gateway: gateway, logger: logger}
}

// completionRequest is the POST /agent/completions payload.
type completionRequest struct {
	Message             string   `json:"message"`
	SessionID           string   `json:"session_id,omitempty"`
	Model               string   `json:"model,omitempty"`
	Stream              *bool    `json:"stream,omitempty"`
	SkipSaveUserMessage bool     `json:"skip_save_user_message,omitempty"`
	MaxIterations       int      `json:"max_iterations,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty"`
	SystemPrompt        string   `json:"system_prompt,omitempty"`
	Images              []string `json:"images,omitempty"`
}

type sessionRequest struct {
	Title        *string  `json:"title,omitempty"`
	Model        *string  `json:"model,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Archived     *bool    `json:"is_archived,omitempty"`
}

type memoryRequest struct {
	Category   string `json:"category,omitempty"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// ServeHTTP routes requests under /agent.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := normalizePath(strings.TrimPrefix(r.URL.Path, "/agent"))
	if len(segments) == 0 {
		http.NotFound(w, r)
		return
	}

	switch segments[0] {
	case "completions":
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		s.handleCompletions(w, r)
	case "sessions":
		s.handleSessions(w, r, segments[1:])
	case "skills":
		s.handleSkills(w, r, segments[1:])
	case "status":
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		s.handleStatus(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}

	agentReq := agent.Request{
		SessionID:           req.SessionID,
		Message:             req.Message,
		Model:               req.Model,
		Temperature:         req.Temperature,
		MaxTokens:           req.MaxTokens,
		MaxIterations:       req.MaxIterations,
		SkipSaveUserMessage: req.SkipSaveUserMessage,
		SystemPrompt:        req.SystemPrompt,
		Images:              req.Images,
	}

	if req.Stream != nil && !*req.Stream {
		result, err := s.engine.Execute(r.Context(), agentReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	events, _, err := s.engine.ExecuteStream(r.Context(), agentReq)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New(errors.CodeInternal, "streaming not supported", nil))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("event encode failed", slog.String("error", err.Error()))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, segments []string) {
	switch len(segments) {
	case 0:
		switch r.Method {
		case http.MethodPost:
			s.createSession(w, r)
		case http.MethodGet:
			s.listSessions(w, r)
		default:
			http.NotFound(w, r)
		}
	case 1:
		sessionID := segments[0]
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, sessionID)
		case http.MethodPut:
			s.updateSession(w, r, sessionID)
		case http.MethodDelete:
			s.deleteSession(w, r, sessionID)
		default:
			http.NotFound(w, r)
		}
	case 2:
		switch segments[1] {
		case "messages":
			switch r.Method {
			case http.MethodGet:
				s.listMessages(w, r, segments[0])
			case http.MethodDelete:
				s.clearMessages(w, r, segments[0])
			default:
				http.NotFound(w, r)
			}
		case "memories":
			switch r.Method {
			case http.MethodGet:
				s.listMemories(w, r, segments[0])
			case http.MethodPost:
				s.setMemory(w, r, segments[0])
			default:
				http.NotFound(w, r)
			}
		default:
			http.NotFound(w, r)
		}
	case 3:
		switch segments[1] {
		case "messages":
			if r.Method != http.MethodDelete {
				http.NotFound(w, r)
				return
			}
			s.deleteMessage(w, r, segments[0], segments[2])
		case "memories":
			switch r.Method {
			case http.MethodGet:
				s.getMemory(w, r, segments[0], segments[2])
			case http.MethodDelete:
				s.deleteMemory(w, r, segments[0], segments[2])
			default:
				http.NotFound(w, r)
			}
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}
	session := store.Session{}
	if req.Title != nil {
		session.Title = *req.Title
	}
	if req.Model != nil {
		session.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		session.SystemPrompt = *req.SystemPrompt
	}
	if req.Temperature != nil {
		session.Temperature = *req.Temperature
	}
	created, err := s.store.CreateSession(r.Context(), session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	sessions, err := s.store.ListSessions(r.Context(), includeArchived, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request, id string) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}
	session, err := s.store.UpdateSession(r.Context(), id, store.SessionUpdate{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		Archived:     req.Archived,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "session_id": id})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 0)
	messages, err := s.store.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "total": len(messages)})
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.ClearMessages(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "session_id": sessionID})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, sessionID, messageID string) {
	includeFollowing := r.URL.Query().Get("include_following") == "true"
	deleted, err := s.store.DeleteMessage(r.Context(), sessionID, messageID, includeFollowing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request, sessionID string) {
	memories, err := s.store.ListMemories(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories, "total": len(memories)})
}

func (s *Server) setMemory(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.CodeInvalidInput, "invalid request body", err))
		return
	}
	if req.Key == "" {
		writeError(w, errors.New(errors.CodeInvalidInput, "key is required", nil))
		return
	}
	memory := store.Memory{
		SessionID: sessionID,
		Category:  req.Category,
		Key:       req.Key,
		Value:     req.Value,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TTLSeconds) * time.Second)
		memory.ExpiresAt = &expires
	}
	saved, err := s.store.SetMemory(r.Context(), memory)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) getMemory(w http.ResponseWriter, r *http.Request, sessionID, key string) {
	memory, err := s.store.GetMemory(r.Context(), sessionID, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request, sessionID, key string) {
	if err := s.store.DeleteMemory(r.Context(), sessionID, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "key": key})
}

type skillSummary struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Executable   bool     `json:"executable"`
	RelatedTools []string `json:"related_tools,omitempty"`
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request, segments []string) {
	snapshot := s.registry.Snapshot()

	switch {
	case len(segments) == 0 && r.Method == http.MethodGet:
		manifests := snapshot.List()
		out := make([]skillSummary, 0, len(manifests))
		for _, manifest := range manifests {
			out = append(out, skillSummary{
				Name:         manifest.Name,
				Description:  manifest.Description,
				Executable:   manifest.Executable,
				RelatedTools: manifest.RelatedTools,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"skills": out, "total": len(out)})
	case len(segments) == 1 && segments[0] == "refresh" && r.Method == http.MethodPost:
		refreshed, err := s.registry.Refresh()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "skills": refreshed.Len()})
	case len(segments) == 1 && r.Method == http.MethodGet:
		manifest, err := snapshot.Get(segments[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":           manifest.Name,
			"description":    manifest.Description,
			"client_class":   manifest.ClientClass,
			"default_method": manifest.DefaultMethod,
			"executable":     manifest.Executable,
			"related_tools":  manifest.RelatedTools,
			"body":           manifest.Body,
			"path":           manifest.Path,
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	sandboxStatus := "ok"
	if s.gateway != nil {
		if err := s.gateway.Health(r.Context()); err != nil {
			status = "degraded"
			sandboxStatus = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "atrium",
		"skills":  s.registry.Snapshot().Len(),
		"sandbox": sandboxStatus,
	})
}

func normalizePath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("response encode failed", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae := errors.AsAtriumError(err)
	writeJSON(w, ae.StatusCode, map[string]any{
		"error": ae.Message,
		"code":  string(ae.Code),
	})
}
