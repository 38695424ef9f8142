package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/llm/llmtest"
	"github.com/michaelbrown/lotse/internal/stream"
	"github.com/michaelbrown/lotse/internal/tools"
)

func fixedClock(a *Agent) {
	a.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
}

func finalChunk(t *testing.T, chunks []stream.Chunk) stream.Chunk {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	last := chunks[len(chunks)-1]
	if !last.IsFinal() || last.State != stream.StateEnded || last.ToolName != "" {
		t.Fatalf("last chunk is not the final answer: %+v", last)
	}
	return last
}

func TestRunWeatherScenario(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls(llm.ToolCall{ID: "call_1", Name: "weather", Args: map[string]any{"location": "SF"}}),
		func(call llmtest.Call) (*llm.Response, error) {
			last := call.Messages[len(call.Messages)-1]
			if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
				return nil, fmt.Errorf("unexpected last message %+v", last)
			}
			return &llm.Response{Message: llm.AssistantMessage("In SF: " + last.Content)}, nil
		},
	)
	a := New(client, newTestRegistry(t, weatherTool(), failingTool()))
	rec := &stream.Recorder{}

	res, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("What's the weather in SF?")},
		Tools:    []string{"weather"},
	}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if res.ToolRounds != 1 || res.Iterations != 2 {
		t.Errorf("rounds/iterations = %d/%d, want 1/2", res.ToolRounds, res.Iterations)
	}
	if res.Answer != "In SF: It's 60 degrees and foggy." {
		t.Errorf("answer = %q", res.Answer)
	}

	wantRoles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if len(res.History) != len(wantRoles) {
		t.Fatalf("history = %d messages, want %d", len(res.History), len(wantRoles))
	}
	for i, r := range wantRoles {
		if res.History[i].Role != r {
			t.Errorf("history[%d].Role = %s, want %s", i, res.History[i].Role, r)
		}
	}

	// Only the enabled tool is exposed.
	calls := client.Calls()
	if len(calls[0].Tools) != 1 || calls[0].Tools[0].Name != "weather" {
		t.Errorf("tools exposed = %+v", calls[0].Tools)
	}

	chunks := rec.Chunks()
	if order := checkSpans(t, chunks); len(order) != 1 || order[0] != "call_1" {
		t.Errorf("spans = %v", order)
	}
	if final := finalChunk(t, chunks); final.Content != res.Answer || final.Metadata[stream.MetaStatus] != "completed" {
		t.Errorf("final chunk = %+v", final)
	}
	if !rec.Closed() {
		t.Error("sink not closed")
	}
}

func TestRunZeroToolsInjectsNoInstructions(t *testing.T) {
	client := llmtest.New(
		// A model that calls a tool nobody offered is answered as final.
		func(llmtest.Call) (*llm.Response, error) {
			return &llm.Response{Message: llm.Message{
				Role:      llm.RoleAssistant,
				Content:   "Hallo!",
				ToolCalls: []llm.ToolCall{{ID: "x", Name: "weather"}},
			}}, nil
		},
	)
	a := New(client, newTestRegistry(t, weatherTool()))
	rec := &stream.Recorder{}

	res, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("Hallo")},
	}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	call := client.Calls()[0]
	system := call.Messages[0]
	if system.Role != llm.RoleSystem {
		t.Fatalf("first message role = %s", system.Role)
	}
	if strings.Contains(system.Content, "Werkzeuge") || strings.Contains(system.Content, "Anleitung") {
		t.Errorf("system prompt mentions tools:\n%s", system.Content)
	}
	if call.Tools != nil {
		t.Errorf("tools exposed without being enabled: %+v", call.Tools)
	}
	if res.Status != StatusCompleted || res.ToolRounds != 0 || res.Answer != "Hallo!" {
		t.Errorf("result = %+v", res)
	}
	if len(res.History[len(res.History)-1].ToolCalls) != 0 {
		t.Error("ignored tool calls kept in history")
	}
	if n := len(chunksWithState(rec.Chunks(), stream.StateStarted)); n != 0 {
		t.Errorf("started chunks = %d, want 0", n)
	}
}

func TestRunInjectsInstructionsForEnabledTools(t *testing.T) {
	client := llmtest.New(llmtest.Text("ok"))
	a := New(client, newTestRegistry(t, weatherTool(), failingTool()), fixedClock)

	_, err := a.Run(context.Background(), Request{
		Messages:     []llm.Message{llm.UserMessage("Hallo")},
		Tools:        []string{"weather"},
		Department:   "Finanzen",
		SystemPrompt: "Abteilung {{.Department}}, {{.Date}}.",
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	system := client.Calls()[0].Messages[0].Content
	if !strings.HasPrefix(system, "Abteilung Finanzen, 02.03.2026.") {
		t.Errorf("template not rendered: %q", system)
	}
	if !strings.Contains(system, "Aktuelles Wetter für einen Ort (Anleitung)") {
		t.Errorf("weather instructions missing:\n%s", system)
	}
	if strings.Contains(system, "Schlägt immer fehl") {
		t.Error("instructions of a disabled tool injected")
	}
}

func TestRunIterationBound(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls(llm.ToolCall{ID: "loop", Name: "weather", Args: map[string]any{"location": "SF"}}),
	)
	a := New(client, newTestRegistry(t, weatherTool()), WithMaxIterations(3))
	rec := &stream.Recorder{}

	res, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("Wetter?")},
		Tools:    []string{"weather"},
	}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(client.Calls()); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	if res.Status != StatusIncomplete || res.Answer != msgIncomplete {
		t.Errorf("result = %s %q", res.Status, res.Answer)
	}
	if res.Iterations != 3 || res.ToolRounds != 3 {
		t.Errorf("iterations/rounds = %d/%d", res.Iterations, res.ToolRounds)
	}

	// Every call is answered, and repeated ids from the model are made unique.
	results := 0
	ids := map[string]bool{}
	for _, m := range res.History {
		for _, c := range m.ToolCalls {
			ids[c.ID] = true
		}
		if m.Role == llm.RoleTool {
			results++
			if !ids[m.ToolCallID] {
				t.Errorf("tool result %s without call", m.ToolCallID)
			}
		}
	}
	if results != 3 || len(ids) != 3 {
		t.Errorf("results = %d, distinct ids = %d, want 3/3", results, len(ids))
	}
	checkSpans(t, rec.Chunks())
	finalChunk(t, rec.Chunks())
}

func TestRunRequestOverridesIterationBound(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls(llm.ToolCall{ID: "loop", Name: "weather", Args: map[string]any{"location": "SF"}}),
	)
	a := New(client, newTestRegistry(t, weatherTool()))

	res, err := a.Run(context.Background(), Request{
		Messages:      []llm.Message{llm.UserMessage("Wetter?")},
		Tools:         []string{"weather"},
		MaxIterations: 1,
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.Calls()) != 1 || res.Status != StatusIncomplete {
		t.Errorf("calls = %d, status = %s", len(client.Calls()), res.Status)
	}
}

func TestRunUnknownToolFromModel(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls(
			llm.ToolCall{ID: "c1", Name: "weather", Args: map[string]any{"location": "SF"}},
			llm.ToolCall{ID: "c2", Name: "does-not-exist"},
		),
	)
	a := New(client, newTestRegistry(t, weatherTool()))
	rec := &stream.Recorder{}

	res, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("Wetter?")},
		Tools:    []string{"weather"},
	}, rec)

	var unknown *tools.UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("Run error = %v, want *UnknownToolError", err)
	}
	if len(unknown.Names) != 1 || unknown.Names[0] != "does-not-exist" {
		t.Errorf("names = %v", unknown.Names)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if n := len(chunksWithState(rec.Chunks(), stream.StateStarted)); n != 0 {
		t.Errorf("started chunks = %d, want 0: no tool of the response may run", n)
	}
	if !rec.Closed() {
		t.Error("sink not closed")
	}
}

func TestRunUnknownToolRequested(t *testing.T) {
	client := llmtest.New(llmtest.Text("never"))
	a := New(client, newTestRegistry(t, weatherTool()))

	_, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("Hallo")},
		Tools:    []string{"weather", "ghost"},
	}, nil)

	var unknown *tools.UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("Run error = %v, want *UnknownToolError", err)
	}
	if len(client.Calls()) != 0 {
		t.Error("model called despite unknown tool")
	}
}

func TestRunFailingToolContinues(t *testing.T) {
	client := llmtest.New(
		llmtest.ToolCalls(llm.ToolCall{ID: "c1", Name: "boom"}),
		llmtest.Text("Das hat leider nicht geklappt."),
	)
	a := New(client, newTestRegistry(t, failingTool()))
	rec := &stream.Recorder{}

	res, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{llm.UserMessage("Mach was")},
		Tools:    []string{"boom"},
	}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}

	toolMsg := res.History[2]
	if toolMsg.Role != llm.RoleTool || toolMsg.Content == "" {
		t.Fatalf("tool result = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "„boom“") || strings.Contains(toolMsg.Content, "connection reset") {
		t.Errorf("tool result is not the localized message: %q", toolMsg.Content)
	}

	ended := chunksWithState(rec.Chunks(), stream.StateEnded)
	if len(ended) != 1 || !ended[0].IsError() || ended[0].Content != toolMsg.Content {
		t.Errorf("ended chunks = %+v", ended)
	}
}

func TestRunProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantAnswer string
	}{
		{
			name:       "policy",
			err:        &llm.ProviderError{Provider: "openai", Kind: llm.KindPolicy, Message: "content_filter"},
			wantStatus: StatusPolicyViolation,
			wantAnswer: "Inhaltsrichtlinien",
		},
		{
			name:       "rate limit",
			err:        &llm.ProviderError{Provider: "openai", Kind: llm.KindRateLimit, Status: 429},
			wantStatus: StatusRateLimited,
			wantAnswer: "gleich erneut",
		},
		{
			name:       "generic",
			err:        fmt.Errorf("iteration 1: %w", &llm.ProviderError{Provider: "openai", Kind: llm.KindGeneric, Message: "upstream unavailable"}),
			wantStatus: StatusFailed,
			wantAnswer: "upstream unavailable",
		},
		{
			name:       "unclassified",
			err:        errors.New("dial tcp: connection refused"),
			wantStatus: StatusFailed,
			wantAnswer: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(llmtest.New(llmtest.Fail(tt.err)), nil)
			rec := &stream.Recorder{}

			res, err := a.Run(context.Background(), Request{
				Messages: []llm.Message{llm.UserMessage("Hallo")},
			}, rec)
			if err != nil {
				t.Fatalf("provider errors must not escape the turn: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if !strings.Contains(res.Answer, tt.wantAnswer) {
				t.Errorf("answer = %q, want it to contain %q", res.Answer, tt.wantAnswer)
			}
			if final := finalChunk(t, rec.Chunks()); final.Metadata[stream.MetaStatus] != string(tt.wantStatus) {
				t.Errorf("final status = %v", final.Metadata[stream.MetaStatus])
			}
		})
	}

	if !StatusPolicyViolation.Terminates() || StatusRateLimited.Terminates() {
		t.Error("only a policy violation terminates the conversation")
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan string, 2)
	client := llmtest.New(
		llmtest.ToolCalls(
			llm.ToolCall{ID: "a", Name: "slow", Args: map[string]any{"n": 1}},
			llm.ToolCall{ID: "b", Name: "slow", Args: map[string]any{"n": 2}},
		),
		llmtest.Text("unreachable"),
	)
	a := New(client, newTestRegistry(t, blockingTool(started)))
	rec := &stream.Recorder{}

	go func() {
		<-started
		cancel()
	}()

	res, err := a.Run(ctx, Request{
		Messages: []llm.Message{llm.UserMessage("warte")},
		Tools:    []string{"slow"},
	}, rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if res == nil || res.Status != StatusCancelled {
		t.Fatalf("result = %+v", res)
	}
	if len(client.Calls()) != 1 {
		t.Errorf("model called again after cancellation")
	}

	chunks := rec.Chunks()
	if order := checkSpans(t, chunks); len(order) != 2 {
		t.Errorf("spans = %v, want both calls ended", order)
	}
	finalChunk(t, chunks)
	if !rec.Closed() {
		t.Error("sink not closed")
	}
}

func TestRunStreamsModelText(t *testing.T) {
	a := New(llmtest.New(llmtest.Text("Guten Tag")), nil)
	ch := stream.NewChannel(8)

	done := make(chan *Result, 1)
	go func() {
		res, _ := a.Run(context.Background(), Request{
			Messages: []llm.Message{llm.UserMessage("Hallo")},
			Stream:   true,
		}, ch)
		done <- res
	}()

	var chunks []stream.Chunk
	for c := range ch.Chunks() {
		chunks = append(chunks, c)
	}
	res := <-done

	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v, want delta + final", chunks)
	}
	if chunks[0].State != stream.StateAppend || chunks[0].ToolName != "" || chunks[0].Metadata[stream.MetaSource] != "model" {
		t.Errorf("delta chunk = %+v", chunks[0])
	}
	if chunks[1].Content != res.Answer {
		t.Errorf("final chunk = %+v", chunks[1])
	}
}

func TestRunWithoutClient(t *testing.T) {
	a := New(nil, nil)
	if _, err := a.Run(context.Background(), Request{}, nil); !errors.Is(err, ErrNoClient) {
		t.Fatalf("Run = %v, want ErrNoClient", err)
	}
}

func TestRunBadTemplate(t *testing.T) {
	a := New(llmtest.New(llmtest.Text("x")), nil)
	_, err := a.Run(context.Background(), Request{
		Messages:     []llm.Message{llm.UserMessage("Hallo")},
		SystemPrompt: "{{.Nope",
	}, nil)
	if err == nil {
		t.Fatal("expected template error")
	}
}

func TestValidateHistory(t *testing.T) {
	call := func(ids ...string) llm.Message {
		m := llm.Message{Role: llm.RoleAssistant}
		for _, id := range ids {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: id, Name: "weather"})
		}
		return m
	}
	user := llm.UserMessage("Wie ist das Wetter?")

	tests := []struct {
		name string
		msgs []llm.Message
		want string // substring of the error, empty for valid
	}{
		{"plain", []llm.Message{user, llm.AssistantMessage("Sonnig."), user}, ""},
		{"answered", []llm.Message{user, call("a", "b"), llm.ToolResultMessage("b", "x"), llm.ToolResultMessage("a", "y"), user}, ""},
		{"answered at end", []llm.Message{user, call("a"), llm.ToolResultMessage("a", "x")}, ""},
		{"dangling before user", []llm.Message{user, call("c9"), user}, `"c9" has no result`},
		{"dangling at end", []llm.Message{user, call("a", "b"), llm.ToolResultMessage("a", "x")}, `"b" has no result`},
		{"orphan result", []llm.Message{user, llm.ToolResultMessage("zz", "x")}, "answers no pending call"},
		{"answered twice", []llm.Message{user, call("a"), llm.ToolResultMessage("a", "x"), llm.ToolResultMessage("a", "y")}, "answers no pending call"},
		{"duplicate call id", []llm.Message{user, call("a", "a")}, "used twice"},
		{"call without id", []llm.Message{user, call("")}, "without id"},
		{"unknown role", []llm.Message{{Role: "developer", Content: "x"}, user}, `unknown role "developer"`},
		{"user with tool calls", []llm.Message{{Role: llm.RoleUser, ToolCalls: []llm.ToolCall{{ID: "a"}}}}, "carries tool calls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHistory(tt.msgs)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("valid history rejected: %v", err)
				}
				return
			}
			var he *HistoryError
			if !errors.As(err, &he) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want *HistoryError containing %q", err, tt.want)
			}
		})
	}
}

func TestRunRejectsUnansweredToolCall(t *testing.T) {
	client := llmtest.New(llmtest.Text("sollte nie kommen"))
	a := New(client, newTestRegistry(t, weatherTool()))
	rec := &stream.Recorder{}

	_, err := a.Run(context.Background(), Request{
		Messages: []llm.Message{
			llm.UserMessage("Wetter?"),
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c9", Name: "weather", Args: map[string]any{"location": "SF"}}}},
			llm.UserMessage("Und jetzt?"),
		},
		Tools: []string{"weather"},
	}, rec)

	var he *HistoryError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HistoryError", err)
	}
	if he.Index != 1 {
		t.Errorf("index = %d, want 1", he.Index)
	}
	if n := len(client.Calls()); n != 0 {
		t.Errorf("model called %d times with an unanswered call", n)
	}
	if n := len(rec.Chunks()); n != 0 {
		t.Errorf("chunks = %d, want none", n)
	}
}
