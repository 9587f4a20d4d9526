package events

import (
	"context"
	"sync"
)

// Emitter delivers events for one sequence in emission order. An error
// means the client can no longer be reached.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, event Event) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Emit calls return err after recording nothing.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType() == t {
			return r.events[i], true
		}
	}
	return nil, false
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Tee fans one event out to several emitters. Every emitter is called; the
// first error is returned.
func Tee(emitters ...Emitter) Emitter {
	return EmitterFunc(func(ctx context.Context, event Event) error {
		var first error
		for _, e := range emitters {
			if e == nil {
				continue
			}
			if err := e.Emit(ctx, event); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// BusEmitter publishes events onto an EventBus for observers. Terminal
// events use the priority path so they are never dropped.
type BusEmitter struct {
	bus *EventBus
}

// NewBusEmitter creates an emitter backed by bus.
func NewBusEmitter(bus *EventBus) *BusEmitter {
	return &BusEmitter{bus: bus}
}

// Emit implements Emitter. Publishing never fails.
func (b *BusEmitter) Emit(_ context.Context, event Event) error {
	if b.bus == nil {
		return nil
	}
	switch event.EventType() {
	case TypeWorkflowCompleted, TypeWorkflowFailed, TypeError:
		b.bus.PublishPriority(event)
	default:
		b.bus.Publish(event)
	}
	return nil
}
