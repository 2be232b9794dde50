// Package localbus is a single-process message bus. It is the default when a
// server runs without cluster peers, and the local fan-out stage of the ZeroMQ
// bus.
package localbus

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

type Bus struct {
	hub *pubsub.SimpleHub

	mu     sync.Mutex
	closed bool
	unsubs map[int]func()
	nextId int
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: log.HubLogger(),
		}),
		unsubs: make(map[int]func()),
	}
}

// Publish hands msg to the hub. Subscribers are called asynchronously, in
// publishing order per subscriber.
func (b *Bus) Publish(topic string, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.Trace(bus.ErrClosed)
	}
	_ = b.hub.Publish(topic, msg.Copy())
	return nil
}

func (b *Bus) Subscribe(topic string, handler bus.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.Trace(bus.ErrClosed)
	}

	unsub := b.hub.Subscribe(topic, func(topic string, data interface{}) {
		msg, ok := data.(*message.Message)
		if !ok {
			log.Logf(log.LOGLEVEL_ERRORS, "localbus: dropping %T published on %s", data, topic)
			return
		}
		handler(msg.Copy())
	})

	id := b.nextId
	b.nextId++
	b.unsubs[id] = unsub

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.unsubs, id)
			b.mu.Unlock()
			unsub()
		})
	}, nil
}

// Close removes all subscriptions. Publishing after Close fails with
// bus.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, unsub := range b.unsubs {
		unsub()
		delete(b.unsubs, id)
	}
	return nil
}
