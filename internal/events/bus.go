// Package events provides a non-blocking publish/subscribe bus for task
// lifecycle telemetry (dequeue, completion, split). Adapted from
// msageha-maestro_v2/internal/events/bus.go: same buffered-channel,
// drop-on-full delivery model, new event vocabulary for this domain
// (the teacher's events were about command/task/phase lifecycle in a
// coding-agent orchestrator; these are about the dual-tree dispatcher).
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event being published.
type Type string

const (
	// EventTaskDequeued is published when a worker dequeues a task.
	EventTaskDequeued Type = "task_dequeued"
	// EventWorkCompleted is published when a worker reports completed
	// computation for a task.
	EventWorkCompleted Type = "work_completed"
	// EventSubtreeSplit is published by the worker pool when its
	// RedistributeAmongCores call splits a query subtree.
	EventSubtreeSplit Type = "subtree_split"
)

// Event is one published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events published after it subscribes.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full, the event is
// dropped silently rather than blocking the publisher (which, for this
// module, is always inside the worker pool's hot path).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
}

// NewBus creates a Bus whose per-subscriber channel buffer holds
// bufferSize events (100 if bufferSize <= 0).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{subscribers: make(map[Type][]chan Event), bufferSize: bufferSize}
}

// Subscribe registers fn for events of type t, called asynchronously in
// its own goroutine. The returned function unsubscribes.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)

	go func() {
		for ev := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[t]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish sends an event to every subscriber of t, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(t Type, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[t] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel and clears all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, t)
	}
}
