package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrClosed is returned when pushing into a sink that has been closed.
var ErrClosed = errors.New("stream: sink closed")

// DrainTimeout bounds pushes made after the turn's context is gone, such as
// the terminal chunks emitted for cancelled tools.
const DrainTimeout = 2 * time.Second

// Sink is an ordered destination for chunks. Push must not be called after
// Close. Implementations in this package serialise concurrent writers, but
// callers that need span-level ordering across writers use a Sequencer.
type Sink interface {
	Push(ctx context.Context, c Chunk) error
	Close() error
}

// Detached returns a context for pushes that must still happen after ctx was
// cancelled. It is bounded by DrainTimeout.
func Detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), DrainTimeout)
}

// Channel is a bounded in-process sink read through Chunks. A full buffer
// blocks Push until the consumer catches up or ctx ends.
type Channel struct {
	ch   chan Chunk
	done chan struct{}
	mu   sync.Mutex // single writer at a time
	once sync.Once
}

// NewChannel creates a Channel buffering up to size chunks.
func NewChannel(size int) *Channel {
	if size < 0 {
		size = 0
	}
	return &Channel{
		ch:   make(chan Chunk, size),
		done: make(chan struct{}),
	}
}

func (c *Channel) Push(ctx context.Context, chunk Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- chunk:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Chunks already buffered remain readable.
func (c *Channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		close(c.ch)
		c.mu.Unlock()
	})
	return nil
}

// Chunks returns the consumer side. It is closed after Close.
func (c *Channel) Chunks() <-chan Chunk {
	return c.ch
}

// Forward copies every chunk of src into dst until src is closed. Once dst
// fails the remaining chunks are drained and dropped so producers never block
// on a dead consumer; the first error is returned.
func Forward(ctx context.Context, src *Channel, dst Sink) error {
	var firstErr error
	for chunk := range src.Chunks() {
		if firstErr != nil {
			continue
		}
		pushCtx, cancel := Detached(ctx)
		if err := dst.Push(pushCtx, chunk); err != nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

// Discard drops everything. It stands in for the absent channel of callers
// that do not stream.
var Discard Sink = discard{}

type discard struct{}

func (discard) Push(context.Context, Chunk) error { return nil }
func (discard) Close() error                      { return nil }

// Recorder keeps chunks in memory.
type Recorder struct {
	mu     sync.Mutex
	chunks []Chunk
	closed bool
}

func (r *Recorder) Push(_ context.Context, c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Chunks returns a copy of everything pushed so far.
func (r *Recorder) Chunks() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...)
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// NDJSONWriter serialises chunks as newline-delimited JSON, flushing after
// every line when the writer supports it.
type NDJSONWriter struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *json.Encoder
	closed bool
}

// NewNDJSONWriter wraps w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: w, enc: json.NewEncoder(w)}
}

func (n *NDJSONWriter) Push(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	// json.Encoder terminates every value with '\n'.
	if err := n.enc.Encode(c); err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	if f, ok := n.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (n *NDJSONWriter) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}
