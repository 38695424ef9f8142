package stream

import (
	"context"
	"sync"
)

const laneBuffer = 64

// Sequencer lets several producers run concurrently while their output
// reaches the parent sink one producer at a time, in lane order. Lane 0 is
// forwarded live; later lanes buffer until every earlier lane is closed.
// Each producer must Close its lane exactly once.
type Sequencer struct {
	parent Sink
	lanes  []*Channel
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewSequencer starts forwarding n lanes into parent.
func NewSequencer(ctx context.Context, parent Sink, n int) *Sequencer {
	s := &Sequencer{
		parent: parent,
		lanes:  make([]*Channel, n),
		done:   make(chan struct{}),
	}
	for i := range s.lanes {
		s.lanes[i] = NewChannel(laneBuffer)
	}
	go s.run(ctx)
	return s
}

// Lane returns the sink for producer i.
func (s *Sequencer) Lane(i int) Sink {
	return s.lanes[i]
}

func (s *Sequencer) run(ctx context.Context) {
	defer close(s.done)
	var dst Sink = s.parent
	for _, lane := range s.lanes {
		if err := Forward(ctx, lane, dst); err != nil {
			// The consumer is gone; keep draining so producers finish.
			dst = Discard
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

// Wait blocks until every lane is closed and forwarded. It returns the first
// error the parent sink reported.
func (s *Sequencer) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
