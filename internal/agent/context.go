package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/michaelbrown/lotse/internal/llm"
)

// estimateTokens approximates the token count of a message at four
// characters per token.
func estimateTokens(m llm.Message) int {
	tokens := len(m.Content) / 4
	for _, tc := range m.ToolCalls {
		tokens += len(tc.Name) / 4
		if argsJSON, err := json.Marshal(tc.Args); err == nil {
			tokens += len(argsJSON) / 4
		}
	}
	// Minimum 1 token per message for role overhead
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// estimateHistoryTokens returns approximate total tokens for a message slice.
func estimateHistoryTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m)
	}
	return total
}

// findSplitPoint finds a clean boundary to split history into old and recent sections.
// It works backward from the end to find the point where recent messages fit within
// the given token budget. The split point will always be at the start of a user message
// to avoid breaking tool call/result pairs.
// Returns the index where the "recent" section begins. Index 0 (system prompt) is never included.
func findSplitPoint(messages []llm.Message, recentTokenBudget int) int {
	if len(messages) <= 2 {
		return len(messages) // nothing to split
	}

	// Walk backward from end, accumulating tokens until we hit the budget.
	// splitIdx will be the first index of the "recent" section to keep.
	tokens := 0
	budgetExceeded := false
	splitIdx := len(messages)
	for i := len(messages) - 1; i >= 1; i-- {
		msgTokens := estimateTokens(messages[i])
		if tokens+msgTokens > recentTokenBudget {
			splitIdx = i + 1
			budgetExceeded = true
			break
		}
		tokens += msgTokens
	}

	// If everything fits within budget, nothing to compact
	if !budgetExceeded {
		return len(messages)
	}

	// Clamp: keep at least the last message
	if splitIdx >= len(messages) {
		splitIdx = len(messages) - 1
	}

	// Ensure we don't split in the middle of a tool call/result sequence.
	// Scan backward from splitIdx to find the nearest user message boundary.
	for splitIdx > 1 {
		if messages[splitIdx].Role == llm.RoleUser {
			break
		}
		splitIdx--
	}

	// Must leave at least the system prompt + 1 message to summarize
	if splitIdx <= 1 || messages[splitIdx].Role != llm.RoleUser {
		return len(messages)
	}

	return splitIdx
}

const summaryMarker = "[Zusammenfassung des bisherigen Gesprächs]"

// compactHistory shrinks history to fit maxTokens. Older messages are
// summarized by client; when that fails only the most recent messages are
// kept. history[0] must be the system prompt and is always preserved.
func compactHistory(ctx context.Context, client llm.Client, history []llm.Message, maxTokens int) []llm.Message {
	if maxTokens <= 0 || estimateHistoryTokens(history) <= maxTokens {
		return history
	}

	// Keep recent messages within 60% of budget
	recentBudget := maxTokens * 60 / 100
	splitIdx := findSplitPoint(history, recentBudget)
	if splitIdx >= len(history) {
		return history
	}

	old := history[1:splitIdx]
	if len(old) == 0 {
		return history
	}

	summary, err := summarizeMessages(ctx, client, old)
	if err != nil {
		return trimHistory(history, 10)
	}

	out := make([]llm.Message, 0, 2+len(history)-splitIdx)
	out = append(out, history[0])
	out = append(out, llm.SystemMessage(summaryMarker+"\n"+summary))
	out = append(out, history[splitIdx:]...)
	return out
}

// trimHistory keeps the system prompt and the last keepLast messages. The cut
// is moved forward to a user message so no tool result loses its call.
func trimHistory(history []llm.Message, keepLast int) []llm.Message {
	if len(history) <= keepLast+1 {
		return history
	}
	cut := len(history) - keepLast
	for cut < len(history) && history[cut].Role != llm.RoleUser {
		cut++
	}
	if cut >= len(history) {
		cut = len(history) - 1
	}
	return append([]llm.Message{history[0]}, history[cut:]...)
}

// summarizeMessages asks the model for a concise summary of messages.
func summarizeMessages(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		prefix := string(m.Role)
		if m.ToolCallID != "" {
			prefix = fmt.Sprintf("tool_result(%s)", m.ToolCallID)
		}
		text := m.Content
		for _, tc := range m.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Args)
			text += fmt.Sprintf("\n[tool_call: %s(%s)]", tc.Name, string(argsJSON))
		}
		fmt.Fprintf(&b, "[%s]: %s\n", prefix, text)
	}

	prompt := []llm.Message{
		llm.SystemMessage("Fasse den folgenden Gesprächsausschnitt knapp zusammen. " +
			"Behalte wichtige Fakten, Entscheidungen und Werkzeugergebnisse bei, die später noch gebraucht werden. " +
			"Gib nur die Zusammenfassung aus."),
		llm.UserMessage("Gespräch:\n\n" + b.String()),
	}

	resp, err := client.ChatCompletion(ctx, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}

	summary := resp.Message.Content
	const maxSummaryChars = 4000
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars] + "\n... (gekürzt)"
	}
	return summary, nil
}
