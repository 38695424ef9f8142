package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements Client on the native Anthropic Messages API.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client for the Anthropic API. baseURL may be
// empty to use the SDK default.
func NewAnthropicClient(baseURL, apiKey, model string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{
		client:    &client,
		model:     model,
		maxTokens: defaultAnthropicMaxTokens,
		logger:    slog.Default(),
	}
}

// Model returns the model name requests are sent to.
func (c *AnthropicClient) Model() string { return c.model }

func (c *AnthropicClient) params(messages []Message, tools []ToolDef) anthropic.MessageNewParams {
	system, msgs := toAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  msgs,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}
	return params
}

func (c *AnthropicClient) ChatCompletion(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	params := c.params(messages, tools)

	var resp *anthropic.Message
	err := withRetry(ctx, c.logger, func() error {
		var err error
		resp, err = c.client.Messages.New(ctx, params)
		return err
	})
	if err != nil {
		return nil, wrapProviderError("anthropic", c.model, err)
	}
	return &Response{Message: fromAnthropicMessage(resp)}, nil
}

// streamBlock is a content block assembled from stream events.
type streamBlock struct {
	kind  string // text or tool_use
	text  strings.Builder
	id    string
	name  string
	input strings.Builder
}

// ChatCompletionStream streams a message. Text deltas reach the handler as
// they arrive; tool input JSON is collected per block and parsed at the end.
func (c *AnthropicClient) ChatCompletionStream(ctx context.Context, messages []Message, tools []ToolDef, handler StreamHandler) (*Response, error) {
	params := c.params(messages, tools)

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err := withRetry(ctx, c.logger, func() error {
		stream = c.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			stream.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, wrapProviderError("anthropic", c.model, err)
	}
	defer stream.Close()

	var blocks []*streamBlock
	byIndex := map[int64]*streamBlock{}
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			b := &streamBlock{kind: start.ContentBlock.Type}
			if b.kind == "tool_use" {
				tu := start.ContentBlock.AsToolUse()
				b.id, b.name = tu.ID, tu.Name
			}
			byIndex[start.Index] = b
			blocks = append(blocks, b)
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			b := byIndex[delta.Index]
			if b == nil {
				continue
			}
			switch delta.Delta.Type {
			case "text_delta":
				b.text.WriteString(delta.Delta.Text)
				if handler != nil && delta.Delta.Text != "" {
					handler(delta.Delta.Text)
				}
			case "input_json_delta":
				b.input.WriteString(delta.Delta.PartialJSON)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapProviderError("anthropic", c.model, err)
	}

	msg := Message{Role: RoleAssistant}
	var texts []string
	for _, b := range blocks {
		switch b.kind {
		case "text":
			texts = append(texts, b.text.String())
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, parseToolCall(b.id, b.name, b.input.String()))
		}
	}
	msg.Content = strings.Join(texts, "\n")
	return &Response{Message: msg}, nil
}

func toAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		props, _ := t.Parameters["properties"].(map[string]any)
		if props == nil {
			props = map[string]any{}
		}
		var required []string
		switch req := t.Parameters["required"].(type) {
		case []string:
			required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   required,
				},
			},
		}
	}
	return out
}

// toAnthropicMessages splits out system messages and folds tool results into
// user turns, the only shape the Messages API accepts.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		if m.Role == RoleTool {
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()

		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input, err := json.Marshal(tc.Args)
				if err != nil || tc.Args == nil {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: json.RawMessage(input),
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()

	return strings.Join(system, "\n\n"), out
}

func fromAnthropicMessage(resp *anthropic.Message) Message {
	msg := Message{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if msg.Content != "" {
				msg.Content += "\n"
			}
			msg.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			msg.ToolCalls = append(msg.ToolCalls, parseToolCall(tu.ID, tu.Name, string(tu.Input)))
		}
	}
	return msg
}
