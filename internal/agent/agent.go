package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/metrics"
	"github.com/michaelbrown/lotse/internal/stream"
	"github.com/michaelbrown/lotse/internal/tools"
)

// DefaultMaxIterations bounds the model calls of one turn.
const DefaultMaxIterations = 10

const defaultMaxTokens = 6000

// Agent runs conversation turns. It holds no per-conversation state and is
// safe for concurrent use.
type Agent struct {
	llm        llm.Client
	utilityLLM llm.Client // optional, for summarization
	registry   *tools.Registry
	executor   *Executor
	maxIter    int
	maxTokens  int
	language   string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithMaxIterations sets the bound on model calls per turn.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIter = n
		}
	}
}

// WithMaxTokens sets the context window budget for history compaction.
func WithMaxTokens(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithUtilityLLM sets a lightweight client for housekeeping such as
// summarization.
func WithUtilityLLM(c llm.Client) Option {
	return func(a *Agent) { a.utilityLLM = c }
}

// WithExecutor replaces the default tool executor.
func WithExecutor(e *Executor) Option {
	return func(a *Agent) {
		if e != nil {
			a.executor = e
		}
	}
}

func WithLanguage(lang string) Option {
	return func(a *Agent) {
		if lang != "" {
			a.language = lang
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New creates an Agent. registry may be nil when no tools are offered.
func New(client llm.Client, registry *tools.Registry, opts ...Option) *Agent {
	a := &Agent{
		llm:       client,
		registry:  registry,
		maxIter:   DefaultMaxIterations,
		maxTokens: defaultMaxTokens,
		language:  tools.DefaultLanguage,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.executor == nil {
		a.executor = NewExecutor(DefaultExecConfig(), a.logger, a.metrics)
	}
	return a
}

// Request is the input of one turn.
type Request struct {
	// Messages is the conversation so far, ending with the new user
	// message. It must not contain the system prompt; Run builds it.
	Messages []llm.Message

	// Tools names the tools enabled for this turn.
	Tools []string

	// Language selects tool texts; an Accept-Language value works too.
	Language string

	// Department and User are opaque, already authenticated inputs
	// available to the prompt template.
	Department string
	User       string

	// SystemPrompt is a text/template. Empty uses the built-in prompt.
	SystemPrompt string

	// Client overrides the agent's model for this turn.
	Client llm.Client

	// MaxTokens overrides the compaction budget, typically the token limit
	// of the selected model.
	MaxTokens int

	// MaxIterations overrides the agent's bound for this turn.
	MaxIterations int

	// Stream requests model text deltas as append chunks.
	Stream bool
}

// Result is the outcome of a turn.
type Result struct {
	// History is the conversation after the turn without the system
	// prompt, ready to be passed back as Request.Messages next time.
	History    []llm.Message
	Answer     string
	Status     Status
	Iterations int
	ToolRounds int
}

// Run executes one turn and streams its chunks into sink, which it closes
// before returning. A turn that ran ends with a final ended chunk carrying
// the answer.
//
// Run returns an error only for hard failures: an unknown tool (requested or
// called by the model), a history with unanswered tool calls or unknown
// roles (*HistoryError), an invalid prompt template, or cancellation of ctx.
// Provider failures are mapped to a Status.
func (a *Agent) Run(ctx context.Context, req Request, sink stream.Sink) (*Result, error) {
	if sink == nil {
		sink = stream.Discard
	}
	defer sink.Close()

	client := a.llm
	if req.Client != nil {
		client = req.Client
	}
	if client == nil {
		return nil, ErrNoClient
	}

	if err := ValidateHistory(req.Messages); err != nil {
		return nil, err
	}

	bound, err := a.resolve(req.Tools)
	if err != nil {
		return nil, err
	}

	lang := req.Language
	if lang == "" {
		lang = a.language
	}

	instructions := ""
	if len(bound) > 0 {
		instructions = a.registry.Instructions(req.Tools, lang)
	}
	system, err := buildSystemPrompt(req.SystemPrompt, PromptData{
		Department: req.Department,
		User:       req.User,
		Language:   lang,
		Date:       formatDate(a.now()),
	}, instructions)
	if err != nil {
		return nil, err
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	summarizer := client
	if a.utilityLLM != nil {
		summarizer = a.utilityLLM
	}
	history := append([]llm.Message{llm.SystemMessage(system)}, req.Messages...)
	history = compactHistory(ctx, summarizer, history, maxTokens)

	maxIter := a.maxIter
	if req.MaxIterations > 0 {
		maxIter = req.MaxIterations
	}

	done := a.metrics.RunStarted()
	defer done()

	st := newRunState(history, bound)
	log := a.logger.With("user", req.User, "tools", len(bound))
	res, err := a.loop(ctx, client, st, req.Stream, lang, maxIter, sink, log)
	if res != nil {
		a.metrics.ObserveTurn(string(res.Status))
	}
	return res, err
}

func (a *Agent) resolve(names []string) ([]tools.Bound, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if a.registry == nil {
		return nil, &tools.UnknownToolError{Names: names}
	}
	return a.registry.Resolve(names)
}

func (a *Agent) loop(ctx context.Context, client llm.Client, st *RunState, streaming bool, lang string, maxIter int, sink stream.Sink, log *slog.Logger) (*Result, error) {
	defs := st.toolDefs(lang)

	for {
		if st.Iteration >= maxIter {
			log.Warn("iteration bound reached", "iterations", st.Iteration)
			a.metrics.IterationLimitHit()
			st.append(llm.AssistantMessage(msgIncomplete))
			return a.finish(ctx, st, sink, StatusIncomplete, msgIncomplete), nil
		}

		st.enter(StateAwaitModel)
		resp, err := a.invoke(ctx, client, st.Messages, defs, streaming, sink)
		if err != nil {
			if ctx.Err() != nil {
				a.metrics.ObserveModel("cancelled")
				res := a.finish(ctx, st, sink, StatusCancelled, msgCancelled)
				return res, ctx.Err()
			}
			a.metrics.ObserveModel(string(llm.Classify(err)))
			status, answer := providerOutcome(err)
			log.Error("model call failed", "iteration", st.Iteration, "status", status, "error", err)
			return a.finish(ctx, st, sink, status, answer), nil
		}
		a.metrics.ObserveModel("ok")

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		if len(st.Bound) == 0 {
			// Nothing was offered; a tool call here is noise.
			msg.ToolCalls = nil
		}

		if len(msg.ToolCalls) == 0 {
			st.append(msg)
			return a.finish(ctx, st, sink, StatusCompleted, msg.Content), nil
		}

		calls, err := st.prepareCalls(msg.ToolCalls)
		if err != nil {
			log.Warn("model called unknown tool", "iteration", st.Iteration, "error", err)
			return nil, err
		}
		msg.ToolCalls = calls
		st.append(msg)

		st.enter(StateExecuteTools)
		log.Debug("executing tools", "iteration", st.Iteration, "calls", len(calls))
		outcomes := a.executor.ExecuteAll(ctx, calls, st.byName, sink)
		for _, o := range outcomes {
			st.append(llm.ToolResultMessage(o.CallID, o.Text()))
		}

		if ctx.Err() != nil {
			res := a.finish(ctx, st, sink, StatusCancelled, msgCancelled)
			return res, ctx.Err()
		}
	}
}

func (a *Agent) invoke(ctx context.Context, client llm.Client, msgs []llm.Message, defs []llm.ToolDef, streaming bool, sink stream.Sink) (*llm.Response, error) {
	if !streaming {
		return client.ChatCompletion(ctx, msgs, defs)
	}
	return client.ChatCompletionStream(ctx, msgs, defs, func(delta string) {
		if delta == "" {
			return
		}
		if err := sink.Push(ctx, stream.ModelText(delta)); err != nil {
			a.logger.Debug("model delta not delivered", "error", err)
		}
	})
}

// finish pushes the final chunk and builds the result.
func (a *Agent) finish(ctx context.Context, st *RunState, sink stream.Sink, status Status, answer string) *Result {
	st.enter(StateDone)

	pushCtx, cancel := stream.Detached(ctx)
	defer cancel()
	if err := sink.Push(pushCtx, stream.Final(answer, string(status))); err != nil {
		a.logger.Debug("final chunk not delivered", "error", err)
	}

	return &Result{
		History:    append([]llm.Message(nil), st.Messages[1:]...),
		Answer:     answer,
		Status:     status,
		Iterations: st.Iteration,
		ToolRounds: st.ToolRounds,
	}
}

// providerOutcome maps a model failure to the status and answer the user
// sees.
func providerOutcome(err error) (Status, string) {
	switch llm.Classify(err) {
	case llm.KindPolicy:
		return StatusPolicyViolation, msgPolicy
	case llm.KindRateLimit:
		return StatusRateLimited, msgRateLimited
	}
	var pe *llm.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return StatusFailed, failedText(pe.Message)
	}
	return StatusFailed, failedText(err.Error())
}

// String returns a summary of the agent configuration.
func (a *Agent) String() string {
	n := 0
	if a.registry != nil {
		n = len(a.registry.Names())
	}
	return fmt.Sprintf("Agent(tools=%d, maxIter=%d, maxTokens=%d)", n, a.maxIter, a.maxTokens)
}
