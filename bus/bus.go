// Package bus defines the publish/subscribe contract the server nodes use to
// talk to each other. Implementations live in the subpackages.
package bus

import (
	"github.com/juju/errors"

	"github.com/dermesser/rtrpc/message"
)

var ErrClosed = errors.New("bus closed")

// Handler receives messages published on a subscribed topic. Every handler
// gets its own copy of the message.
type Handler func(*message.Message)

// Bus is a cluster-wide publish/subscribe primitive keyed by topic. Messages
// published by any node, including the local one, are delivered to all
// subscribers of the topic.
//
// Publish must not block on subscribers and must not call handlers
// synchronously.
type Bus interface {
	Publish(topic string, msg *message.Message) error
	// Subscribe returns a function removing the subscription.
	Subscribe(topic string, handler Handler) (func(), error)
	Close() error
}
