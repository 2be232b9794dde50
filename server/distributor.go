package server

import (
	"sync"

	"github.com/juju/errors"

	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
	"github.com/dermesser/rtrpc/rpc"
)

// TopicHandler processes a message received from conn.
type TopicHandler func(conn rpc.Connection, msg *message.Message)

// Distributor parses incoming frames and hands every message to the handler
// registered for its topic.
type Distributor struct {
	mu       sync.RWMutex
	handlers map[string]TopicHandler
}

func NewDistributor() *Distributor {
	return &Distributor{handlers: make(map[string]TopicHandler)}
}

/*
Register handler for all messages on topic.

err is not nil if the topic already has a handler.
*/
func (d *Distributor) RegisterForTopic(topic string, handler TopicHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[topic]; ok {
		log.Log(log.LOGLEVEL_WARNINGS, "Trying to register existing topic:", topic)
		return errors.AlreadyExistsf("handler for topic %s", topic)
	}

	log.Log(log.LOGLEVEL_INFO, "Registered topic:", topic)
	d.handlers[topic] = handler
	return nil
}

// Removes the handler of topic. Returns an error if there is none.
func (d *Distributor) UnregisterForTopic(topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[topic]; !ok {
		log.Log(log.LOGLEVEL_WARNINGS, "Trying to unregister non-existing topic:", topic)
		return errors.NotFoundf("handler for topic %s", topic)
	}

	log.Log(log.LOGLEVEL_INFO, "Unregistered topic:", topic)
	delete(d.handlers, topic)
	return nil
}

// Distribute parses frame and routes its messages. Errors are reported to conn
// on the ERROR topic; a frame that doesn't parse is dropped as a whole.
func (d *Distributor) Distribute(conn rpc.Connection, frame string) {
	msgs, err := message.Parse(frame)
	if err != nil {
		log.Log(log.LOGLEVEL_WARNINGS, "Dropping unparseable frame from", conn.Identity()+":", err.Error())
		conn.Send(message.BuildError(message.TopicError, message.CodeMessageParseError, frame))
		return
	}

	for _, msg := range msgs {
		d.mu.RLock()
		handler, ok := d.handlers[msg.Topic]
		d.mu.RUnlock()

		if !ok {
			log.Log(log.LOGLEVEL_WARNINGS, "No handler for topic", msg.Topic, "from", conn.Identity())
			conn.Send(message.BuildError(message.TopicError, message.CodeUnknownTopic, msg.Topic))
			continue
		}
		handler(conn, msg)
	}
}
