package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
)

// Transcript is a session with everything recorded for it.
type Transcript struct {
	Session  *Session      `json:"session"`
	Messages []llm.Message `json:"messages"`
	Turns    []Turn        `json:"turns,omitempty"`
}

// LoadTranscript resolves id (a full ID or unique prefix) and loads its
// messages and turns.
func LoadTranscript(ctx context.Context, store Store, id string) (*Transcript, error) {
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	turns, err := store.ListTurns(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &Transcript{Session: sess, Messages: messages, Turns: turns}, nil
}

// Markdown renders the transcript as a markdown document. System messages
// are left out.
func (t *Transcript) Markdown() string {
	var b strings.Builder
	sess := t.Session

	title := sess.Title
	if title == "" {
		title = "Unterhaltung " + sess.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- **%s:** %s\n", name, value)
		}
	}
	field("Session", sess.ID)
	field("Provider", sess.Provider)
	field("Model", sess.Model)
	field("Profile", sess.Profile)
	field("Department", sess.Department)
	field("Tools", strings.Join(sess.Tools, ", "))
	field("Created", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	field("Status", string(sess.Status))
	b.WriteString("\n---\n\n")

	for _, m := range t.Messages {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "## Sie\n\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "## Lotse\n\n%s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				fmt.Fprintf(&b, "**Tool Call:** `%s`\n```json\n%s\n```\n\n", tc.Name, args)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "<details>\n<summary>Tool Result (%s)</summary>\n\n```\n%s\n```\n</details>\n\n", m.ToolCallID, m.Content)
		}
	}

	if len(t.Turns) > 0 {
		b.WriteString("---\n\n| # | Status | Iterations | Tool rounds | Duration |\n|---|---|---|---|---|\n")
		for i, turn := range t.Turns {
			d := time.Duration(turn.Duration) * time.Millisecond
			fmt.Fprintf(&b, "| %d | %s | %d | %d | %s |\n", i+1, turn.Status, turn.Iterations, turn.ToolRounds, d.Round(time.Millisecond))
		}
	}
	return b.String()
}

// JSON renders the transcript as indented JSON.
func (t *Transcript) JSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}
