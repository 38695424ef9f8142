package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/metrics"
	"github.com/michaelbrown/lotse/internal/stream"
	"github.com/michaelbrown/lotse/internal/tools"
)

// ExecConfig configures tool execution.
type ExecConfig struct {
	// Concurrency is the maximum number of tool calls of one response that
	// run at the same time. Default: 4.
	Concurrency int

	// PerToolTimeout bounds a single invocation. Default: 30 seconds.
	PerToolTimeout time.Duration
}

// DefaultExecConfig returns 4 concurrent tools and a 30 second timeout.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
	}
}

// Executor runs tool calls and turns every failure into a value.
type Executor struct {
	config  ExecConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewExecutor applies defaults for zero config fields. logger and m may be nil.
func NewExecutor(config ExecConfig, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{config: config, logger: logger, metrics: m}
}

// Outcome is the result of one tool call.
type Outcome struct {
	CallID   string
	Tool     string
	Output   string
	Err      *ToolError
	Duration time.Duration
}

// Text is the content of the tool-result message: the output on success,
// the localized failure message otherwise.
func (o Outcome) Text() string {
	if o.Err != nil {
		return o.Err.Message
	}
	return o.Output
}

// Execute runs call with tool, streaming one started chunk, the tool's own
// progress and one ended chunk into sink. It never returns an error; the
// failure travels in Outcome.Err.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, tool tools.Bound, sink stream.Sink) Outcome {
	start := time.Now()
	log := e.logger.With("tool", tool.Name(), "call_id", call.ID)

	em := &emitter{sink: sink, tool: tool.Name(), callID: call.ID, ctx: ctx}
	startCtx, cancelStart := stream.Detached(ctx)
	if err := em.push(startCtx, stream.StateStarted, "", nil); err != nil {
		log.Debug("started chunk not delivered", "error", err)
	}
	cancelStart()

	output, terr := e.run(ctx, call, tool, em, log)
	em.seal()

	out := Outcome{
		CallID:   call.ID,
		Tool:     tool.Name(),
		Output:   output,
		Err:      terr,
		Duration: time.Since(start),
	}

	// The closing chunk is owed even when ctx is gone.
	endCtx, cancel := stream.Detached(ctx)
	defer cancel()
	meta := map[string]any{}
	status := "ok"
	if terr != nil {
		meta[stream.MetaError] = true
		meta["error_type"] = string(terr.Type)
		status = string(terr.Type)
		log.Warn("tool failed", "type", terr.Type, "error", terr.Cause, "duration", out.Duration)
	} else {
		log.Debug("tool finished", "duration", out.Duration)
	}
	if err := em.pushFinal(endCtx, out.Text(), meta); err != nil {
		log.Debug("ended chunk not delivered", "error", err)
	}

	e.metrics.ObserveTool(tool.Name(), status, out.Duration)
	return out
}

type handlerResult struct {
	output string
	err    error
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (e *Executor) run(ctx context.Context, call llm.ToolCall, tool tools.Bound, em *emitter, log *slog.Logger) (string, *ToolError) {
	if err := tool.ValidateArgs(call.Args); err != nil {
		detail := err.Error()
		var argErr *tools.ArgumentError
		if errors.As(err, &argErr) {
			detail = strings.Join(argErr.Problems, "; ")
		}
		return "", e.fail(ToolErrorInvalidInput, call, tool, err, detail)
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()
	em.setContext(toolCtx)

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		output, err := tool.Handler()(toolCtx, call.Args, em)
		done <- handlerResult{output: output, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-toolCtx.Done():
		// Give the handler a moment to observe cancellation so it does not
		// outlive the turn.
		select {
		case res = <-done:
		case <-time.After(stream.DrainTimeout):
			log.Warn("tool did not stop after cancellation")
		}
		if res.err == nil {
			res.err = toolCtx.Err()
		}
	}

	if res.err == nil {
		return res.output, nil
	}

	var pe *panicError
	switch {
	case errors.As(res.err, &pe):
		log.Error("tool panicked", "panic", pe.value, "stack", string(pe.stack))
		return "", e.fail(ToolErrorPanic, call, tool, res.err, "")
	case ctx.Err() != nil:
		return "", e.fail(ToolErrorCancelled, call, tool, res.err, "")
	case errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		return "", e.fail(ToolErrorTimeout, call, tool, res.err, e.config.PerToolTimeout.String())
	default:
		return "", e.fail(ToolErrorExecution, call, tool, res.err, "")
	}
}

func (e *Executor) fail(t ToolErrorType, call llm.ToolCall, tool tools.Bound, cause error, detail string) *ToolError {
	return &ToolError{
		Type:       t,
		ToolName:   tool.Name(),
		ToolCallID: call.ID,
		Message:    toolFailureText(t, tool.Name(), detail),
		Cause:      cause,
	}
}

// ExecuteAll runs calls concurrently, bounded by Concurrency, and returns
// their outcomes in call order. Each call streams into its own Sequencer
// lane so spans reach sink one call at a time. ExecuteAll returns only after
// every call has finished.
func (e *Executor) ExecuteAll(ctx context.Context, calls []llm.ToolCall, bound map[string]tools.Bound, sink stream.Sink) []Outcome {
	outcomes := make([]Outcome, len(calls))
	if len(calls) == 0 {
		return outcomes
	}

	seq := stream.NewSequencer(ctx, sink, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call llm.ToolCall) {
			defer wg.Done()
			lane := seq.Lane(idx)
			defer lane.Close()

			tool := bound[call.Name]
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[idx] = e.cancelled(ctx, call, tool, lane)
				return
			}
			outcomes[idx] = e.Execute(ctx, call, tool, lane)
		}(i, call)
	}

	wg.Wait()
	if err := seq.Wait(); err != nil {
		e.logger.Debug("tool chunks not delivered", "error", err)
	}
	return outcomes
}

// cancelled records a call that never acquired a slot. It still gets its
// started/ended pair.
func (e *Executor) cancelled(ctx context.Context, call llm.ToolCall, tool tools.Bound, sink stream.Sink) Outcome {
	terr := e.fail(ToolErrorCancelled, call, tool, ctx.Err(), "")
	pushCtx, cancel := stream.Detached(ctx)
	defer cancel()
	em := &emitter{sink: sink, tool: tool.Name(), callID: call.ID, ctx: pushCtx}
	_ = em.push(pushCtx, stream.StateStarted, "", nil)
	em.seal()
	_ = em.pushFinal(pushCtx, terr.Message, map[string]any{
		stream.MetaError: true,
		"error_type":     string(terr.Type),
	})
	e.metrics.ObserveTool(tool.Name(), string(terr.Type), 0)
	return Outcome{CallID: call.ID, Tool: tool.Name(), Err: terr}
}

// emitter is the tools.Emitter handed to a running handler. It stamps every
// chunk with the call id and refuses writes once the call has ended.
type emitter struct {
	sink   stream.Sink
	tool   string
	callID string

	mu     sync.Mutex
	ctx    context.Context
	dirty  bool // update or append since start or last rollback
	sealed bool
}

func (em *emitter) setContext(ctx context.Context) {
	em.mu.Lock()
	em.ctx = ctx
	em.mu.Unlock()
}

func (em *emitter) Update(content string, meta map[string]any) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.sealed {
		return stream.ErrClosed
	}
	if err := em.pushLocked(em.ctx, stream.StateUpdate, content, meta); err != nil {
		return err
	}
	em.dirty = true
	return nil
}

func (em *emitter) Append(content string) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.sealed {
		return stream.ErrClosed
	}
	if err := em.pushLocked(em.ctx, stream.StateAppend, content, nil); err != nil {
		return err
	}
	em.dirty = true
	return nil
}

func (em *emitter) Rollback() error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.sealed {
		return stream.ErrClosed
	}
	if !em.dirty {
		return tools.ErrNothingToRollback
	}
	if err := em.pushLocked(em.ctx, stream.StateRollback, "", nil); err != nil {
		return err
	}
	em.dirty = false
	return nil
}

func (em *emitter) push(ctx context.Context, state stream.State, content string, meta map[string]any) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.pushLocked(ctx, state, content, meta)
}

// pushFinal writes the ended chunk; it is allowed after seal.
func (em *emitter) pushFinal(ctx context.Context, content string, meta map[string]any) error {
	return em.push(ctx, stream.StateEnded, content, meta)
}

func (em *emitter) seal() {
	em.mu.Lock()
	em.sealed = true
	em.mu.Unlock()
}

func (em *emitter) pushLocked(ctx context.Context, state stream.State, content string, meta map[string]any) error {
	md := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		md[k] = v
	}
	md[stream.MetaCallID] = em.callID
	md[stream.MetaSource] = "tool"
	return em.sink.Push(ctx, stream.Chunk{
		State:    state,
		Content:  content,
		ToolName: em.tool,
		Metadata: md,
	})
}
