package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/michaelbrown/lotse/internal/agent"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/storage"
	"github.com/michaelbrown/lotse/internal/stream"
	"github.com/michaelbrown/lotse/internal/tools"
)

// Headers carrying the already authenticated caller.
const (
	headerUser       = "X-User-ID"
	headerDepartment = "X-Department"
)

var errTerminated = errors.New("session was terminated after a content policy violation")

// caller is the identity attached to a request by the upstream gateway.
type caller struct {
	User       string
	Department string
	Language   string
}

func callerFrom(r *http.Request) caller {
	return caller{
		User:       r.Header.Get(headerUser),
		Department: r.Header.Get(headerDepartment),
		Language:   r.Header.Get("Accept-Language"),
	}
}

// turn is a prepared agent run.
type turn struct {
	agent *agent.Agent
	req   agent.Request
}

// newAgent builds an agent for provider and model, falling back to the
// configured defaults. It returns the model actually used.
func (s *Server) newAgent(providerName, model string) (*agent.Agent, string, int, error) {
	if providerName == "" {
		providerName = s.cfg.DefaultProvider
	}
	p, err := s.cfg.Provider(providerName)
	if err != nil {
		return nil, "", 0, err
	}
	if model == "" {
		model = p.Model("default")
	}
	client, err := s.clients(providerName, model)
	if err != nil {
		return nil, "", 0, fmt.Errorf("creating model client: %w", err)
	}

	opts := []agent.Option{
		agent.WithExecutor(s.executor),
		agent.WithLogger(s.logger),
		agent.WithMetrics(s.metrics),
		agent.WithLanguage(s.cfg.Agent.Language),
		agent.WithMaxIterations(s.cfg.Agent.MaxIterations),
	}
	if utility := p.Model("utility"); utility != "" && utility != model {
		uc, err := s.clients(providerName, utility)
		if err != nil {
			s.logger.Warn("utility model unavailable", "model", utility, "error", err)
		} else {
			opts = append(opts, agent.WithUtilityLLM(uc))
		}
	}
	maxTokens := p.ContextLimit(model, s.cfg.Agent.ContextMaxTokens)
	return agent.New(client, s.registry, opts...), model, maxTokens, nil
}

// checkTools resolves names up front so an unknown tool is reported before
// any chunk is streamed.
func (s *Server) checkTools(names []string) error {
	if len(names) == 0 {
		return nil
	}
	if s.registry == nil {
		return &tools.UnknownToolError{Names: names}
	}
	_, err := s.registry.Resolve(names)
	return err
}

// streamTurn runs t and writes its chunks to w as NDJSON. A hard error after
// streaming began is reported as a trailing {"error": ...} line.
func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, t *turn) (*agent.Result, error) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := stream.NewNDJSONWriter(w)
	ch := stream.NewChannel(64)

	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.agent.Run(ctx, t.req, ch)
		done <- outcome{res, err}
	}()

	if err := stream.Forward(ctx, ch, out); err != nil {
		s.logger.Debug("stream consumer gone", "error", err)
	}
	o := <-done
	if o.err != nil && ctx.Err() == nil {
		writeStreamError(w, o.err)
	}
	out.Close()
	return o.res, o.err
}

type streamError struct {
	Error        string   `json:"error"`
	UnknownTools []string `json:"unknown_tools,omitempty"`
}

func newStreamError(err error) streamError {
	se := streamError{Error: err.Error()}
	var ute *tools.UnknownToolError
	if errors.As(err, &ute) {
		se.UnknownTools = ute.Names
	}
	return se
}

func writeStreamError(w http.ResponseWriter, err error) {
	json.NewEncoder(w).Encode(newStreamError(err))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// messageRequest is a new user message for a session.
type messageRequest struct {
	Content  string   `json:"content"`
	Tools    []string `json:"tools,omitempty"`
	Language string   `json:"language,omitempty"`
	Stream   *bool    `json:"stream,omitempty"`
}

// prepareSessionTurn loads the session history and builds the run for
// in. Tools default to the session's, then the profile's.
func (s *Server) prepareSessionTurn(ctx context.Context, sess *storage.Session, in messageRequest, c caller) (*turn, error) {
	if sess.Status == storage.StatusTerminated {
		return nil, errTerminated
	}

	var profile *agent.Profile
	if sess.Profile != "" {
		p, err := agent.LoadProfileByName(s.cfg.Agent.ProfilesDir, sess.Profile)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		profile = p
	}

	names := in.Tools
	if names == nil {
		names = sess.Tools
	}
	if names == nil && profile != nil {
		names = profile.Tools
	}
	if err := s.checkTools(names); err != nil {
		return nil, err
	}

	a, _, maxTokens, err := s.newAgent(sess.Provider, sess.Model)
	if err != nil {
		return nil, err
	}

	history, err := s.store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	lang := firstNonEmpty(in.Language, sess.Language, c.Language)
	if lang == "" && profile != nil {
		lang = profile.Language
	}
	req := agent.Request{
		Messages:   append(history, llm.UserMessage(in.Content)),
		Tools:      names,
		Language:   lang,
		Department: firstNonEmpty(sess.Department, c.Department),
		User:       firstNonEmpty(c.User, sess.UserID),
		MaxTokens:  maxTokens,
		Stream:     in.Stream == nil || *in.Stream,
	}
	if profile != nil {
		req.SystemPrompt = profile.SystemPrompt
		req.MaxIterations = profile.MaxIter
	}
	return &turn{agent: a, req: req}, nil
}

// beginSessionTurn marks sess as running and sets its title from the first
// message.
func (s *Server) beginSessionTurn(ctx context.Context, sess *storage.Session, content string) {
	if sess.Title == "" {
		sess.Title = generateTitle(content)
	}
	sess.Status = storage.StatusRunning
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		s.logger.Warn("marking session running", "session", sess.ID, "error", err)
	}
}

// finishSessionTurn persists the outcome of a turn. It runs detached from
// the request so a cancelled turn is still saved.
func (s *Server) finishSessionTurn(ctx context.Context, sess *storage.Session, res *agent.Result, runErr error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("session", sess.ID)

	t := &storage.Turn{SessionID: sess.ID, Duration: time.Since(started).Milliseconds()}
	switch {
	case res != nil:
		if err := s.store.SaveMessages(ctx, sess.ID, res.History); err != nil {
			log.Error("saving messages", "error", err)
		}
		t.Status = string(res.Status)
		t.Iterations = res.Iterations
		t.ToolRounds = res.ToolRounds
		sess.Status = sessionStatus(res.Status)
	default:
		t.Status = string(agent.StatusFailed)
		sess.Status = storage.StatusFailed
		log.Warn("turn failed", "error", runErr)
	}

	if err := s.store.RecordTurn(ctx, t); err != nil {
		log.Error("recording turn", "error", err)
	}
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		log.Error("updating session", "error", err)
	}
}

// sessionStatus maps a turn status to the session status after the turn.
func sessionStatus(st agent.Status) storage.SessionStatus {
	if st.Terminates() {
		return storage.StatusTerminated
	}
	return storage.StatusActive
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
