// Package bustest provides a recording bus for tests. Nothing published on it
// is delivered anywhere; incoming cluster traffic is injected with
// SimulateIncoming, which calls the subscribers synchronously.
package bustest

import (
	"sync"

	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/message"
)

type subscription struct {
	topic   string
	handler bus.Handler
}

type Bus struct {
	mu        sync.Mutex
	published []*message.Message
	subs      map[int]subscription
	nextId    int
	closed    bool
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

func (b *Bus) Publish(topic string, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}
	c := msg.Copy()
	c.Topic = topic
	b.published = append(b.published, c)
	return nil
}

func (b *Bus) Subscribe(topic string, handler bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}
	id := b.nextId
	b.nextId++
	b.subs[id] = subscription{topic: topic, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]subscription)
	return nil
}

// LastPublished returns the most recently published message, or nil.
func (b *Bus) LastPublished() *message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.published) == 0 {
		return nil
	}
	return b.published[len(b.published)-1]
}

// Published returns everything published since the last Reset.
func (b *Bus) Published() []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Message(nil), b.published...)
}

func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
}

// Subscribed reports whether anybody listens on topic.
func (b *Bus) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.topic == topic {
			return true
		}
	}
	return false
}

// SimulateIncoming delivers msg to the subscribers of msg.Topic as if another
// node had published it.
func (b *Bus) SimulateIncoming(msg *message.Message) {
	b.mu.Lock()
	var handlers []bus.Handler
	for _, s := range b.subs {
		if s.topic == msg.Topic {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg.Copy())
	}
}
