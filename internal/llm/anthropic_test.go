package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestToAnthropicMessagesFoldsToolResults(t *testing.T) {
	msgs := []Message{
		SystemMessage("be brief"),
		UserMessage("weather in SF and Berlin?"),
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "a", Name: "weather", Args: map[string]any{"location": "SF"}},
				{ID: "b", Name: "weather", Args: map[string]any{"location": "Berlin"}},
			},
		},
		ToolResultMessage("a", "foggy"),
		ToolResultMessage("b", "sunny"),
		AssistantMessage("SF is foggy, Berlin sunny."),
	}

	system, out := toAnthropicMessages(msgs)
	if system != "be brief" {
		t.Errorf("system = %q", system)
	}
	// user, assistant(tool_use x2), user(tool_result x2), assistant
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if got := len(out[2].Content); got != 2 {
		t.Errorf("tool results folded into %d blocks, want 2", got)
	}
}

func TestToAnthropicToolsRequired(t *testing.T) {
	defs := []ToolDef{{
		Name:        "weather",
		Description: "Get the weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"location": map[string]any{"type": "string"}},
			"required":   []any{"location"},
		},
	}}

	out := toAnthropicTools(defs)
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("unexpected conversion: %+v", out)
	}
	if req := out[0].OfTool.InputSchema.Required; len(req) != 1 || req[0] != "location" {
		t.Errorf("required = %v", req)
	}
}

// sseServer answers every request with the given server-sent events.
func sseServer(t *testing.T, events []string, body *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s, want .../messages", r.URL.Path)
		}
		if body != nil {
			if err := json.NewDecoder(r.Body).Decode(body); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, e := range events {
			fmt.Fprintln(w, e)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicStreamDeliversDeltas(t *testing.T) {
	events := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Ich sehe "}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"nach."}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"location\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"SF\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}
	var body map[string]any
	srv := sseServer(t, events, &body)
	c := NewAnthropicClient(srv.URL, "test-key", "claude-test")

	var deltas []string
	resp, err := c.ChatCompletionStream(context.Background(),
		[]Message{SystemMessage("kurz"), UserMessage("Wetter in SF?")},
		[]ToolDef{{Name: "weather", Parameters: map[string]any{"type": "object"}}},
		func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	if strings.Join(deltas, "|") != "Ich sehe |nach." {
		t.Errorf("deltas = %q, want two text deltas in order", deltas)
	}
	if resp.Message.Content != "Ich sehe nach." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "weather" || tc.Args["location"] != "SF" {
		t.Errorf("tool call = %+v", tc)
	}
	if body["stream"] != true {
		t.Errorf("request stream flag = %v, want true", body["stream"])
	}
}

func TestAnthropicStreamTextOnly(t *testing.T) {
	srv := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":3,"output_tokens":1}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hallo"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, nil)
	c := NewAnthropicClient(srv.URL, "test-key", "claude-test")

	resp, err := c.ChatCompletionStream(context.Background(), []Message{UserMessage("Hi")}, nil, nil)
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}
	if resp.Message.Content != "Hallo" || resp.HasToolCalls() {
		t.Errorf("message = %+v", resp.Message)
	}
}
