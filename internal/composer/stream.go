package composer

import (
	"context"
	"sync"

	"github.com/kalambet/dbgenie/internal/viz"
)

// EventType distinguishes stream events.
type EventType string

const (
	// EventDelta carries the next text increment.
	EventDelta EventType = "delta"
	// EventArtifact attaches a chart out-of-band; it may arrive between deltas.
	EventArtifact EventType = "artifact"
	// EventDone is the end-of-stream marker and carries the full answer.
	EventDone EventType = "done"
	// EventError ends the stream with a failure.
	EventError EventType = "error"
)

// Event is one item of a Stream. Seq numbers deltas from 1 in emission order.
type Event struct {
	Type   EventType
	Seq    int
	Text   string
	Chart  *viz.Artifact
	Answer *Answer
	Err    error
}

// Terminal reports whether no events follow this one.
func (e Event) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

// Stream is an ordered, append-only sequence of events produced by a
// goroutine. Consumers pull until a terminal event; Close stops the producer.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewStream starts produce in a goroutine. The stream ends when produce
// returns; produce must stop once emit reports false.
func NewStream(ctx context.Context, produce func(ctx context.Context, emit func(Event) bool)) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()
		produce(ctx, func(ev Event) bool {
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return s
}

// Events exposes the underlying channel. It is closed after the terminal
// event or on cancellation.
func (s *Stream) Events() <-chan Event { return s.events }

// Next blocks for the next event. ok is false once the stream has ended.
func (s *Stream) Next() (ev Event, ok bool) {
	ev, ok = <-s.events
	return ev, ok
}

// Close cancels the producer and waits for it to exit. It is safe to call
// more than once and after the stream ended.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		for range s.events {
		}
		<-s.done
	})
}

// Collect drains the stream into the final answer. A stream that ends
// without a terminal event reports the context error.
func Collect(ctx context.Context, s *Stream) (*Answer, error) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return nil, context.Canceled
			}
			switch ev.Type {
			case EventDone:
				return ev.Answer, nil
			case EventError:
				return nil, ev.Err
			}
		}
	}
}
