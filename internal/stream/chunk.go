// Package stream carries progress chunks from a running agent turn to the
// serving layer.
//
// A turn owns exactly one Sink. Tool executions and model output fragments
// push Chunks into it in production order; the consumer reads them until the
// sink is closed. The wire format is one JSON object per line:
//
//	{"state":"started","content":"","tool_name":"weather","metadata":{"call_id":"c1"}}
package stream

// State is the lifecycle state a chunk reports.
type State string

const (
	StateStarted  State = "started"
	StateUpdate   State = "update"
	StateAppend   State = "append"
	StateRollback State = "rollback"
	StateEnded    State = "ended"
)

// Metadata keys with a fixed meaning.
const (
	MetaCallID = "call_id"
	MetaSource = "source" // "model" for model text, "tool" otherwise
	MetaError  = "error"  // true on an ended chunk describing a failure
	MetaPhase  = "phase"
	MetaFinal  = "final" // true on the chunk carrying the turn's answer
	MetaStatus = "status"
)

// Chunk is one unit of the streaming protocol.
type Chunk struct {
	State    State          `json:"state"`
	Content  string         `json:"content"`
	ToolName string         `json:"tool_name"`
	Metadata map[string]any `json:"metadata"`
}

// CallID returns the tool call id the chunk belongs to, if any.
func (c Chunk) CallID() string {
	id, _ := c.Metadata[MetaCallID].(string)
	return id
}

// IsFinal reports whether the chunk carries the turn's final answer.
func (c Chunk) IsFinal() bool {
	final, _ := c.Metadata[MetaFinal].(bool)
	return final
}

// IsError reports whether the chunk describes a failure.
func (c Chunk) IsError() bool {
	failed, _ := c.Metadata[MetaError].(bool)
	return failed
}

// ModelText builds the chunk for a fragment of model output.
func ModelText(delta string) Chunk {
	return Chunk{
		State:    StateAppend,
		Content:  delta,
		Metadata: map[string]any{MetaSource: "model"},
	}
}

// Final builds the end-of-turn chunk carrying the answer.
func Final(answer, status string) Chunk {
	return Chunk{
		State:    StateEnded,
		Content:  answer,
		Metadata: map[string]any{MetaFinal: true, MetaStatus: status},
	}
}
