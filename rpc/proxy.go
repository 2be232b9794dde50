package rpc

import (
	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

// remoteRequester stands in for a requester connected to another node. Whatever
// is sent to it is published on that node's private topic.
type remoteRequester struct {
	bus   bus.Bus
	topic string
	// Name of this node.
	origin string
}

func (p *remoteRequester) Identity() string {
	return p.topic
}

func (p *remoteRequester) Send(raw string) {
	msgs, err := message.Parse(raw)
	if err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "rpc: cannot relay", logString(raw), "to", p.topic+":", err.Error())
		return
	}

	for _, m := range msgs {
		m.OriginalTopic = m.Topic
		m.Topic = p.topic
		m.Origin = p.origin
		if err := p.bus.Publish(p.topic, m); err != nil {
			log.Log(log.LOGLEVEL_ERRORS, "rpc: could not relay", m.Action, "to", p.topic+":", err.Error())
		}
	}
}

// Remote requesters never close; a node going away shows up as timeouts.
func (p *remoteRequester) OnClose(func()) {}

// handlePrivateMessage processes the messages other nodes address to this one:
// requests for local providers, and acks, responses and errors of calls this
// node forwarded.
func (h *Handler) handlePrivateMessage(msg *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if v := validate(msg); v != Valid {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: dropping invalid private message:", v.String(), msg.String())
		return
	}

	if msg.Action == message.ActionRequest {
		h.handleRemoteRequest(msg)
		return
	}

	// Replies are only accepted from the node the call was forwarded to.
	if msg.Origin == "" {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: dropping", msg.Action, "without origin on", h.private_topic)
		return
	}
	from := message.PrivateTopic(msg.Origin)

	switch msg.Action {
	case message.ActionAck:
		if rs := h.servedBy(from, keyOf(msg), "remote ack"); len(rs) > 0 {
			h.acknowledge(rs, msg, nil)
		}
	case message.ActionResponse:
		if rs := h.servedBy(from, keyOf(msg), "remote response"); len(rs) > 0 {
			h.respond(rs[0], msg)
		}
	case message.ActionError:
		key := errorKey(msg)
		if rs := h.servedBy(from, key, "remote error"); len(rs) > 0 {
			if msg.Field(0) == message.CodeNoRpcProvider && h.remote_providers != nil {
				h.remote_providers.Remove(key.name)
			}
			h.fail(rs[0], msg)
		}
	default:
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: unexpected", msg.Action, "on", h.private_topic)
	}
}

// handleRemoteRequest serves a request forwarded by another node. Without a
// local provider it fails; there is no second round of discovery.
func (h *Handler) handleRemoteRequest(msg *message.Message) {
	if msg.RemotePrivateTopic == "" {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: dropping forwarded request without reply topic:", msg.String())
		return
	}

	requester := &remoteRequester{bus: h.bus, topic: msg.RemotePrivateTopic, origin: h.cfg.ServerName}
	key := rpcKey{requester: requester.Identity(), callKey: keyOf(msg)}

	if h.keyInUse(key) {
		h.sendError(requester, message.CodeInvalidRpcCorrelationId, key.name, key.correlationId)
		return
	}

	provider := h.providers.pick(key.name, nil)
	if provider == nil {
		log.Log(log.LOGLEVEL_INFO, "rpc: no provider left for", key.name, "requested by", msg.RemotePrivateTopic)
		h.sendError(requester, message.CodeNoRpcProvider, key.name, key.correlationId)
		return
	}
	h.startLocal(requester, provider, msg)
}
