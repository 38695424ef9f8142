package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelPreservesOrder(t *testing.T) {
	ch := NewChannel(4)
	ctx := context.Background()

	go func() {
		for i := 0; i < 20; i++ {
			ch.Push(ctx, Chunk{State: StateAppend, Content: fmt.Sprint(i)})
		}
		ch.Close()
	}()

	i := 0
	for c := range ch.Chunks() {
		if c.Content != fmt.Sprint(i) {
			t.Fatalf("chunk %d content = %q", i, c.Content)
		}
		i++
	}
	if i != 20 {
		t.Errorf("got %d chunks, want 20", i)
	}
}

func TestChannelPushAfterClose(t *testing.T) {
	ch := NewChannel(1)
	ch.Close()
	ch.Close() // idempotent

	err := ch.Push(context.Background(), Chunk{State: StateStarted})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestChannelPushHonoursContext(t *testing.T) {
	ch := NewChannel(0) // nobody reads
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ch.Push(ctx, Chunk{State: StateStarted})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Push on blocked channel = %v, want deadline exceeded", err)
	}
}

func TestChannelCloseUnblocksWriter(t *testing.T) {
	ch := NewChannel(0)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Push(context.Background(), Chunk{State: StateStarted})
	}()

	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Push returned %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock pending Push")
	}
}

func TestNDJSONWriterWireFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)
	ctx := context.Background()

	w.Push(ctx, Chunk{State: StateStarted, ToolName: "weather", Metadata: map[string]any{MetaCallID: "c1"}})
	w.Push(ctx, Chunk{State: StateEnded, Content: "foggy", ToolName: "weather"})
	w.Close()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	for _, key := range []string{"state", "content", "tool_name", "metadata"} {
		if _, ok := first[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, lines[0])
		}
	}

	var second Chunk
	json.Unmarshal([]byte(lines[1]), &second)
	if second.Metadata == nil {
		t.Error("nil metadata should be written as an empty object")
	}

	if err := w.Push(ctx, Chunk{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestSequencerSpansDoNotOverlap(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	const lanes = 4
	seq := NewSequencer(ctx, rec, lanes)

	var wg sync.WaitGroup
	for i := 0; i < lanes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lane := seq.Lane(i)
			name := fmt.Sprintf("tool-%d", i)
			lane.Push(ctx, Chunk{State: StateStarted, ToolName: name})
			for j := 0; j < 10; j++ {
				lane.Push(ctx, Chunk{State: StateAppend, ToolName: name, Content: fmt.Sprint(j)})
			}
			lane.Push(ctx, Chunk{State: StateEnded, ToolName: name})
			lane.Close()
		}(lanes - 1 - i) // start the last lane first
	}
	wg.Wait()
	if err := seq.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	chunks := rec.Chunks()
	if len(chunks) != lanes*12 {
		t.Fatalf("got %d chunks, want %d", len(chunks), lanes*12)
	}
	for i := 0; i < lanes; i++ {
		span := chunks[i*12 : (i+1)*12]
		want := fmt.Sprintf("tool-%d", i)
		if span[0].State != StateStarted || span[11].State != StateEnded {
			t.Errorf("lane %d not framed by started/ended", i)
		}
		for _, c := range span {
			if c.ToolName != want {
				t.Fatalf("lane %d span contains chunk from %s", i, c.ToolName)
			}
		}
	}
}

type failingSink struct{ pushes int }

func (f *failingSink) Push(context.Context, Chunk) error {
	f.pushes++
	return errors.New("client went away")
}
func (f *failingSink) Close() error { return nil }

func TestSequencerDrainsAfterParentFailure(t *testing.T) {
	parent := &failingSink{}
	ctx := context.Background()
	seq := NewSequencer(ctx, parent, 2)

	for i := 0; i < 2; i++ {
		lane := seq.Lane(i)
		for j := 0; j < 5; j++ {
			if err := lane.Push(ctx, Chunk{State: StateAppend}); err != nil {
				t.Fatalf("lane push: %v", err)
			}
		}
		lane.Close()
	}

	if err := seq.Wait(); err == nil {
		t.Fatal("expected parent error from Wait")
	}
	if parent.pushes != 1 {
		t.Errorf("parent received %d pushes after failing, want 1", parent.pushes)
	}
}

func TestChunkHelpers(t *testing.T) {
	final := Final("done", "done")
	if !final.IsFinal() || final.State != StateEnded || final.ToolName != "" {
		t.Errorf("unexpected final chunk: %+v", final)
	}
	text := ModelText("hi")
	if text.State != StateAppend || text.Metadata[MetaSource] != "model" {
		t.Errorf("unexpected model chunk: %+v", text)
	}
	c := Chunk{Metadata: map[string]any{MetaCallID: "x", MetaError: true}}
	if c.CallID() != "x" || !c.IsError() {
		t.Errorf("metadata accessors wrong: %+v", c)
	}
}
