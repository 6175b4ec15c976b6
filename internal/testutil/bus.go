package testutil

import (
	"sync"

	"github.com/livinlefevreloca/docfeed/internal/events"
)

// Event is one delivery seen by a Recorder
type Event struct {
	Topic string
	Data  any
}

// Recorder subscribes to a bus and keeps every delivery in order
type Recorder struct {
	mu     sync.Mutex
	events []Event
	unsub  func()
}

// NewRecorder records every topic accepted by match. Stop unsubscribes.
func NewRecorder(sub events.Subscriber, match func(topic string) bool) *Recorder {
	r := &Recorder{}
	r.unsub = sub.SubscribeMatch(match, func(topic string, data any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, Event{Topic: topic, Data: data})
	})
	return r
}

func (r *Recorder) Stop() {
	r.unsub()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topic returns the payloads delivered on one exact topic.
func (r *Recorder) Topic(topic string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *Recorder) Count(topic string) int {
	return len(r.Topic(topic))
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Publisher is a synchronous events.Publisher that records instead of
// delivering.
type Publisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *Publisher) Publish(topic string, data any) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Data: data})
	return func() {}
}

func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *Publisher) Topics() []string {
	var out []string
	for _, e := range p.Events() {
		out = append(out, e.Topic)
	}
	return out
}

func (p *Publisher) Topic(topic string) []any {
	var out []any
	for _, e := range p.Events() {
		if e.Topic == topic {
			out = append(out, e.Data)
		}
	}
	return out
}
