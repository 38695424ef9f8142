package agent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/tools"
)

// State is a phase of the turn loop.
type State string

const (
	StateAwaitModel   State = "await_model"
	StateExecuteTools State = "execute_tools"
	StateDone         State = "done"
)

// RunState is the state of one turn. It is owned by a single Run call and
// never shared.
type RunState struct {
	Messages   []llm.Message
	Bound      []tools.Bound
	Iteration  int // AWAIT_MODEL entries so far
	ToolRounds int // EXECUTE_TOOLS entries so far
	State      State
	Done       bool

	byName  map[string]tools.Bound
	callIDs map[string]bool
}

func newRunState(history []llm.Message, bound []tools.Bound) *RunState {
	byName := make(map[string]tools.Bound, len(bound))
	for _, b := range bound {
		byName[b.Name()] = b
	}
	callIDs := make(map[string]bool)
	for _, m := range history {
		for _, c := range m.ToolCalls {
			callIDs[c.ID] = true
		}
	}
	return &RunState{
		Messages: history,
		Bound:    bound,
		State:    StateAwaitModel,
		byName:   byName,
		callIDs:  callIDs,
	}
}

func (s *RunState) enter(next State) {
	switch next {
	case StateAwaitModel:
		s.Iteration++
	case StateExecuteTools:
		s.ToolRounds++
	case StateDone:
		s.Done = true
	}
	s.State = next
}

func (s *RunState) append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// toolDefs renders the bound tools for the model.
func (s *RunState) toolDefs(lang string) []llm.ToolDef {
	if len(s.Bound) == 0 {
		return nil
	}
	defs := make([]llm.ToolDef, len(s.Bound))
	for i, b := range s.Bound {
		defs[i] = b.ToolDef(lang)
	}
	return defs
}

// prepareCalls checks that every call targets a bound tool and gives each
// call an id unique within the conversation. It returns the normalized
// calls; the input is not modified.
func (s *RunState) prepareCalls(calls []llm.ToolCall) ([]llm.ToolCall, error) {
	var missing []string
	for _, c := range calls {
		if _, ok := s.byName[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &tools.UnknownToolError{Names: missing}
	}

	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || s.callIDs[c.ID] {
			c.ID = fmt.Sprintf("call_%s", uuid.NewString())
		}
		s.callIDs[c.ID] = true
		out[i] = c
	}
	return out, nil
}

// HistoryError reports a caller-supplied history the loop cannot continue.
type HistoryError struct {
	Index  int // offending message
	Reason string
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("agent: invalid history at message %d: %s", e.Index, e.Reason)
}

// ValidateHistory checks that every message has a known role and that every
// tool call is answered by exactly one tool result before the next user or
// assistant message. A history passing this check never reaches the model
// with a pending call.
func ValidateHistory(messages []llm.Message) error {
	pending := map[string]bool{}
	open := -1 // index of the assistant message whose calls are pending

	unanswered := func() error {
		for id, ok := range pending {
			if ok {
				return &HistoryError{Index: open, Reason: fmt.Sprintf("tool call %q has no result", id)}
			}
		}
		return nil
	}

	for i, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			if m.ToolCallID == "" {
				return &HistoryError{Index: i, Reason: "tool result without tool_call_id"}
			}
			if !pending[m.ToolCallID] {
				return &HistoryError{Index: i, Reason: fmt.Sprintf("tool result %q answers no pending call", m.ToolCallID)}
			}
			pending[m.ToolCallID] = false
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
			if err := unanswered(); err != nil {
				return err
			}
			pending = map[string]bool{}
			if m.Role != llm.RoleAssistant {
				if len(m.ToolCalls) > 0 {
					return &HistoryError{Index: i, Reason: fmt.Sprintf("%s message carries tool calls", m.Role)}
				}
				continue
			}
			open = i
			for _, c := range m.ToolCalls {
				if c.ID == "" {
					return &HistoryError{Index: i, Reason: fmt.Sprintf("tool call %q without id", c.Name)}
				}
				if _, dup := pending[c.ID]; dup {
					return &HistoryError{Index: i, Reason: fmt.Sprintf("tool call id %q used twice", c.ID)}
				}
				pending[c.ID] = true
			}
		default:
			return &HistoryError{Index: i, Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
	}
	return unanswered()
}
