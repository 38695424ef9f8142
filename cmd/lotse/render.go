package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/michaelbrown/lotse/internal/stream"
)

const previewLines = 8

// renderer prints the chunks of a turn to a terminal.
type renderer struct {
	w io.Writer
	// model holds the model text printed since the last tool span, so the
	// final answer is not printed twice.
	model strings.Builder
}

func (r *renderer) consume(ch *stream.Channel) {
	for c := range ch.Chunks() {
		r.render(c)
	}
}

func (r *renderer) render(c stream.Chunk) {
	if c.IsFinal() {
		if c.Content != r.model.String() {
			if r.model.Len() > 0 {
				fmt.Fprintln(r.w)
			}
			fmt.Fprint(r.w, c.Content)
		}
		fmt.Fprint(r.w, "\n\n")
		r.model.Reset()
		return
	}
	if c.Metadata[stream.MetaSource] == "model" {
		fmt.Fprint(r.w, c.Content)
		r.model.WriteString(c.Content)
		return
	}

	switch c.State {
	case stream.StateStarted:
		r.model.Reset()
		fmt.Fprintf(r.w, "\n  \033[33m⚡ Tool: %s\033[0m\n", c.ToolName)
	case stream.StateUpdate:
		label := c.Content
		if phase, ok := c.Metadata[stream.MetaPhase].(string); ok && label == "" {
			label = phase
		}
		fmt.Fprintf(r.w, "  \033[90m… %s\033[0m\n", label)
	case stream.StateAppend:
		printPreview(r.w, c.Content)
	case stream.StateRollback:
		fmt.Fprintf(r.w, "  \033[90m↺ verworfen\033[0m\n")
	case stream.StateEnded:
		if c.IsError() {
			fmt.Fprintf(r.w, "  \033[31m✗ %s\033[0m\n\n", c.Content)
			return
		}
		printPreview(r.w, c.Content)
		fmt.Fprintln(r.w)
	}
}

func printPreview(w io.Writer, text string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	preview := lines
	if len(preview) > previewLines {
		preview = preview[:previewLines]
	}
	for _, line := range preview {
		fmt.Fprintf(w, "  \033[90m│ %s\033[0m\n", line)
	}
	if len(lines) > previewLines {
		fmt.Fprintf(w, "  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-previewLines)
	}
}
