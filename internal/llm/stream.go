package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// ChatCompletionStream sends a streaming chat completion request.
// The handler is called with each text delta as it arrives.
// Returns the full response once streaming is complete.
func (c *OpenAICompatClient) ChatCompletionStream(ctx context.Context, messages []Message, tools []ToolDef, handler StreamHandler) (*Response, error) {
	params := c.params(messages, tools)

	var stream *ssestream.Stream[openai.ChatCompletionChunk]
	err := withRetry(ctx, c.logger, func() error {
		stream = c.client.Chat.Completions.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			stream.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, wrapProviderError("openai", c.model, err)
	}
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && handler != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				handler(delta)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, wrapProviderError("openai", c.model, err)
	}

	if len(acc.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Model: c.model, Kind: KindGeneric, Message: "no choices returned"}
	}

	choice := acc.Choices[0]
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
