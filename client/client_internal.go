package client

import (
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				log.Log(log.LOGLEVEL_WARNINGS, "client: connection lost:", err.Error())
			}
			return
		}

		msgs, err := message.Parse(string(data))
		if err != nil {
			log.Log(log.LOGLEVEL_WARNINGS, "client: dropping frame:", err.Error())
			continue
		}
		for _, m := range msgs {
			c.handle(m)
		}
	}
}

func (c *Client) handle(m *message.Message) {
	if m.Topic == message.TopicError {
		log.Log(log.LOGLEVEL_WARNINGS, "client: server error:", m.String())
		return
	}
	if m.Topic != message.TopicRPC {
		log.Log(log.LOGLEVEL_DEBUG, "client: ignoring", m.String())
		return
	}

	switch m.Action {
	case message.ActionAck:
		if a := m.Field(0); a == message.ActionSubscribe || a == message.ActionUnsubscribe {
			c.subscriptionAcked(a + "|" + m.Field(1))
		}
	case message.ActionRequest:
		c.serve(m)
	case message.ActionResponse:
		c.finish(m.Field(0), m.Field(1), result{data: m.Field(2)})
	case message.ActionError:
		c.handleError(m)
	default:
		log.Log(log.LOGLEVEL_DEBUG, "client: ignoring", m.String())
	}
}

func (c *Client) subscriptionAcked(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ack, ok := c.sub_acks[key]; ok {
		close(ack)
		delete(c.sub_acks, key)
	}
}

func (c *Client) serve(m *message.Message) {
	name, cid := m.Field(0), m.Field(1)

	c.mu.Lock()
	f, ok := c.providers[name]
	c.mu.Unlock()

	r := &Request{client: c, name: name, correlation_id: cid, data: m.Field(2)}
	if !ok {
		// Unprovided while the request was on its way.
		r.Reject()
		return
	}
	go f(r)
}

// Errors about a call carry [code, name, correlation id].
func (c *Client) handleError(m *message.Message) {
	code := m.Field(0)
	// Both are about calls this client serves, not calls it made.
	if code == message.CodeMultipleAck || code == message.CodeInvalidRejection || len(m.Data) < 3 {
		log.Log(log.LOGLEVEL_WARNINGS, "client: server error:", m.String())
		return
	}
	c.finish(m.Field(1), m.Field(2), result{err: &RequestError{Code: code, Message: m.Field(1)}})
}

func (c *Client) finish(name, cid string, r result) {
	c.mu.Lock()
	ch, ok := c.calls[name+"|"+cid]
	c.mu.Unlock()

	if !ok {
		log.Log(log.LOGLEVEL_DEBUG, "client: no waiting call for", name, cid)
		return
	}
	select {
	case ch <- r:
	default:
	}
}
