package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/lotse/internal/agent"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/storage"
	"github.com/michaelbrown/lotse/internal/tools"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeTurnError maps a failure to prepare or run a turn to a response.
func writeTurnError(w http.ResponseWriter, err error) {
	var ute *tools.UnknownToolError
	var he *agent.HistoryError
	switch {
	case errors.As(err, &ute):
		writeJSON(w, http.StatusBadRequest, newStreamError(err))
	case errors.As(err, &he):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errTerminated), errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*storage.Session, bool) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return sess, true
}

// --- Stateless chat ---

type chatRequest struct {
	Messages   []llm.Message `json:"messages"`
	Tools      []string      `json:"tools"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Profile    string        `json:"profile"`
	Language   string        `json:"language"`
	Department string        `json:"department"`
	Stream     *bool         `json:"stream,omitempty"`
}

// handleChat runs one turn over the supplied history and streams it as
// NDJSON. Nothing is persisted.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if n := len(req.Messages); n == 0 || req.Messages[n-1].Role != llm.RoleUser {
		writeError(w, http.StatusBadRequest, "messages must end with a user message")
		return
	}
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			writeError(w, http.StatusBadRequest, "system messages are not accepted")
			return
		}
	}
	if err := agent.ValidateHistory(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := callerFrom(r)
	areq := agent.Request{
		Messages:   req.Messages,
		Tools:      req.Tools,
		Language:   firstNonEmpty(req.Language, c.Language),
		Department: firstNonEmpty(c.Department, req.Department),
		User:       c.User,
		Stream:     req.Stream == nil || *req.Stream,
	}

	provider, model := req.Provider, req.Model
	if req.Profile != "" {
		p, err := agent.LoadProfileByName(s.cfg.Agent.ProfilesDir, req.Profile)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		provider = firstNonEmpty(provider, p.Provider)
		model = firstNonEmpty(model, p.Model)
		if areq.Tools == nil {
			areq.Tools = p.Tools
		}
		areq.Language = firstNonEmpty(areq.Language, p.Language)
		areq.SystemPrompt = p.SystemPrompt
		areq.MaxIterations = p.MaxIter
	}

	if err := s.checkTools(areq.Tools); err != nil {
		writeTurnError(w, err)
		return
	}
	a, _, maxTokens, err := s.newAgent(provider, model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	areq.MaxTokens = maxTokens

	s.streamTurn(r.Context(), w, &turn{agent: a, req: areq})
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{UserID: r.Header.Get(headerUser)}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.SessionStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Profile  string   `json:"profile"`
	Title    string   `json:"title"`
	Language string   `json:"language"`
	Tools    []string `json:"tools"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Profile != "" {
		p, err := agent.LoadProfileByName(s.cfg.Agent.ProfilesDir, req.Profile)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Provider = firstNonEmpty(req.Provider, p.Provider)
		req.Model = firstNonEmpty(req.Model, p.Model)
		req.Language = firstNonEmpty(req.Language, p.Language)
	}

	providerName := firstNonEmpty(req.Provider, s.cfg.DefaultProvider)
	provider, err := s.cfg.Provider(providerName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkTools(req.Tools); err != nil {
		writeTurnError(w, err)
		return
	}

	c := callerFrom(r)
	sess := &storage.Session{
		ID:         uuid.New().String(),
		Title:      req.Title,
		Status:     storage.StatusActive,
		Provider:   providerName,
		Model:      firstNonEmpty(req.Model, provider.Model("default")),
		Profile:    req.Profile,
		Department: c.Department,
		UserID:     c.User,
		Language:   req.Language,
		Tools:      req.Tools,
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	s.runs.Cancel(sess.ID)

	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeTurnError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	tr, err := storage.LoadTranscript(r.Context(), s.store, sess.ID)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(tr.Markdown()))
	case "json":
		data, err := tr.JSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be markdown or json")
	}
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	turns, err := s.store.ListTurns(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []storage.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// --- Message handlers ---

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	messages, err := s.store.LoadMessages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if messages == nil {
		messages = []llm.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleSendMessage runs a turn on the session and streams it as NDJSON.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	ctx, end, err := s.runs.Begin(r.Context(), sess.ID)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	defer end()

	t, err := s.prepareSessionTurn(ctx, sess, req, callerFrom(r))
	if err != nil {
		writeTurnError(w, err)
		return
	}

	started := time.Now()
	s.beginSessionTurn(ctx, sess, req.Content)
	res, err := s.streamTurn(ctx, w, t)
	s.finishSessionTurn(ctx, sess, res, err, started)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.runs.Cancel(sess.ID)})
}

// --- Catalog handlers ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	lang := firstNonEmpty(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), s.cfg.Agent.Language)
	meta := []tools.Metadata{}
	if s.registry != nil {
		meta = append(meta, s.registry.ListMetadata(lang)...)
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := agent.ListProfiles(s.cfg.Agent.ProfilesDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

type providerInfo struct {
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	Models  map[string]string `json:"models"`
	Default bool              `json:"default"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]providerInfo, 0, len(s.cfg.Providers))
	for name, p := range s.cfg.Providers {
		providers = append(providers, providerInfo{
			Name:    name,
			Kind:    p.Kind,
			Models:  p.Models,
			Default: name == s.cfg.DefaultProvider,
		})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })
	writeJSON(w, http.StatusOK, providers)
}

// generateTitle creates a session title from the first user message.
func generateTitle(firstMessage string) string {
	t := strings.TrimSpace(firstMessage)
	if r := []rune(t); len(r) > 80 {
		t = string(r[:80]) + "..."
	}
	return t
}
