// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/michaelbrown/lotse/internal/llm"
)

// Call records one request the client received.
type Call struct {
	Messages []llm.Message
	Tools    []llm.ToolDef
	Stream   bool
}

// Step produces the reply for one request.
type Step func(call Call) (*llm.Response, error)

// Client replays Steps in order. Once the script is exhausted the last step
// is repeated, which keeps "model never stops calling tools" tests short.
type Client struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// New returns a client that answers with the given steps.
func New(steps ...Step) *Client {
	return &Client{steps: steps}
}

// Text answers with a plain assistant message.
func Text(content string) Step {
	return func(Call) (*llm.Response, error) {
		return &llm.Response{Message: llm.AssistantMessage(content)}, nil
	}
}

// ToolCalls answers with an assistant message requesting the given calls.
func ToolCalls(calls ...llm.ToolCall) Step {
	return func(Call) (*llm.Response, error) {
		return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}, nil
	}
}

// Fail answers with err.
func Fail(err error) Step {
	return func(Call) (*llm.Response, error) { return nil, err }
}

func (c *Client) next(ctx context.Context, call Call) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	idx := len(c.calls)
	c.calls = append(c.calls, call)
	if len(c.steps) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("llmtest: no steps scripted")
	}
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	c.mu.Unlock()
	return step(call)
}

func (c *Client) ChatCompletion(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.Response, error) {
	return c.next(ctx, Call{Messages: append([]llm.Message(nil), messages...), Tools: tools})
}

func (c *Client) ChatCompletionStream(ctx context.Context, messages []llm.Message, tools []llm.ToolDef, handler llm.StreamHandler) (*llm.Response, error) {
	resp, err := c.next(ctx, Call{Messages: append([]llm.Message(nil), messages...), Tools: tools, Stream: true})
	if err != nil {
		return nil, err
	}
	if handler != nil && resp.Message.Content != "" {
		handler(resp.Message.Content)
	}
	return resp, nil
}

// Calls returns a copy of the recorded requests.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}
