package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Client is the model provider boundary: an ordered message list plus an
// optional tool schema list in, one assistant message out.
type Client interface {
	ChatCompletion(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error)
	ChatCompletionStream(ctx context.Context, messages []Message, tools []ToolDef, handler StreamHandler) (*Response, error)
}

const maxAttempts = 3

// OpenAICompatClient works with any OpenAI-compatible API (OpenAI, Ollama,
// Gemini and Claude compatibility endpoints).
type OpenAICompatClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates an LLM client for an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey, model string) *OpenAICompatClient {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
	return &OpenAICompatClient{
		client: &client,
		model:  model,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for retry diagnostics.
func (c *OpenAICompatClient) WithLogger(logger *slog.Logger) *OpenAICompatClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Model returns the model name requests are sent to.
func (c *OpenAICompatClient) Model() string { return c.model }

func (c *OpenAICompatClient) params(messages []Message, tools []ToolDef) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	return params
}

func (c *OpenAICompatClient) ChatCompletion(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	params := c.params(messages, tools)

	var completion *openai.ChatCompletion
	err := withRetry(ctx, c.logger, func() error {
		var err error
		completion, err = c.client.Chat.Completions.New(ctx, params)
		return err
	})
	if err != nil {
		return nil, wrapProviderError("openai", c.model, err)
	}

	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Model: c.model, Kind: KindGeneric, Message: "no choices returned"}
	}

	choice := completion.Choices[0]
	resp := &Response{
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Message.Content,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, parseToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return resp, nil
}

// withRetry retries fn on rate limiting with exponential backoff (2s, 4s).
func withRetry(ctx context.Context, logger *slog.Logger, fn func() error) error {
	var err error
	for attempt := range maxAttempts {
		err = fn()
		if err == nil {
			return nil
		}
		if Classify(err) != KindRateLimit || attempt == maxAttempts-1 {
			return err
		}
		wait := time.Duration(2<<attempt) * time.Second
		logger.Warn("rate limited, retrying", "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// parseToolCall decodes the JSON argument string of a tool call. Providers
// occasionally omit the id; a synthetic one keeps tool results correlatable.
func parseToolCall(id, name, arguments string) ToolCall {
	var args map[string]any
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			args = map[string]any{"_raw": arguments}
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return ToolCall{ID: id, Name: name, Args: args}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: toolCalls,
			}
			if m.Content != "" {
				assistant.Content.OfString = param.NewOpt(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistant,
			})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func convertTools(tools []ToolDef) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}
