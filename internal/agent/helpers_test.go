package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/michaelbrown/lotse/internal/stream"
	"github.com/michaelbrown/lotse/internal/tools"
)

func locales(title, summary string) map[string]tools.Localized {
	return map[string]tools.Localized{
		"de": {Title: title, Summary: summary, Instructions: summary + " (Anleitung)"},
		"en": {Title: title, Summary: summary, Instructions: summary + " (instructions)"},
	}
}

func weatherTool() tools.Descriptor {
	return tools.Descriptor{
		Name:    "weather",
		Locales: locales("Wetter", "Aktuelles Wetter für einen Ort"),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []string{"location"},
		},
		Handler: func(_ context.Context, args map[string]any, _ tools.Emitter) (string, error) {
			if args["location"] == "SF" {
				return "It's 60 degrees and foggy.", nil
			}
			return "It's 90 degrees and sunny.", nil
		},
	}
}

func failingTool() tools.Descriptor {
	return tools.Descriptor{
		Name:    "boom",
		Locales: locales("Boom", "Schlägt immer fehl"),
		Handler: func(context.Context, map[string]any, tools.Emitter) (string, error) {
			return "", errors.New("connection reset by peer")
		},
	}
}

func panicTool() tools.Descriptor {
	return tools.Descriptor{
		Name:    "panicker",
		Locales: locales("Panik", "Gerät in Panik"),
		Handler: func(context.Context, map[string]any, tools.Emitter) (string, error) {
			panic("index out of range")
		},
	}
}

// blockingTool blocks until its context ends. started receives once per call.
func blockingTool(started chan<- string) tools.Descriptor {
	return tools.Descriptor{
		Name:    "slow",
		Locales: locales("Langsam", "Wartet"),
		Handler: func(ctx context.Context, args map[string]any, _ tools.Emitter) (string, error) {
			if started != nil {
				started <- fmt.Sprint(args["n"])
			}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

// progressTool streams a draft, discards it and streams the final text.
func progressTool() tools.Descriptor {
	return tools.Descriptor{
		Name:    "progress",
		Locales: locales("Fortschritt", "Zeigt Fortschritt"),
		Handler: func(_ context.Context, args map[string]any, emit tools.Emitter) (string, error) {
			if err := emit.Update("entwerfe...", map[string]any{"phase": "draft"}); err != nil {
				return "", err
			}
			if err := emit.Append("Entwurf"); err != nil {
				return "", err
			}
			if err := emit.Rollback(); err != nil {
				return "", err
			}
			if err := emit.Append("Endfassung"); err != nil {
				return "", err
			}
			return fmt.Sprintf("fertig %v", args["n"]), nil
		},
	}
}

func newTestRegistry(t *testing.T, descs ...tools.Descriptor) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register %s: %v", d.Name, err)
		}
	}
	r.Seal()
	return r
}

// checkSpans verifies the tool chunk protocol: per call id exactly one
// started first and one ended last, no two spans overlapping, and rollback
// only after update or append. It returns the call ids in span order.
func checkSpans(t *testing.T, chunks []stream.Chunk) []string {
	t.Helper()
	var order []string
	open := ""
	dirty := false
	ended := map[string]bool{}

	for i, c := range chunks {
		id := c.CallID()
		if id == "" {
			continue
		}
		switch c.State {
		case stream.StateStarted:
			if open != "" {
				t.Fatalf("chunk %d: %s started while %s open", i, id, open)
			}
			if ended[id] {
				t.Fatalf("chunk %d: %s started twice", i, id)
			}
			open, dirty = id, false
			order = append(order, id)
		case stream.StateEnded:
			if open != id {
				t.Fatalf("chunk %d: %s ended while %q open", i, id, open)
			}
			ended[id] = true
			open = ""
		case stream.StateUpdate, stream.StateAppend:
			if open != id {
				t.Fatalf("chunk %d: %s %s outside its span", i, id, c.State)
			}
			dirty = true
		case stream.StateRollback:
			if open != id || !dirty {
				t.Fatalf("chunk %d: invalid rollback for %s", i, id)
			}
			dirty = false
		}
	}
	if open != "" {
		t.Fatalf("span %s never ended", open)
	}
	return order
}

func chunksWithState(chunks []stream.Chunk, s stream.State) []stream.Chunk {
	var out []stream.Chunk
	for _, c := range chunks {
		if c.State == s && c.CallID() != "" {
			out = append(out, c)
		}
	}
	return out
}
