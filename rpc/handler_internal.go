package rpc

import (
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

// All functions in this file expect h.mu to be held.

func (h *Handler) watch(conn Connection) {
	id := conn.Identity()
	if h.watched[id] {
		return
	}
	h.watched[id] = true
	conn.OnClose(func() { h.connectionClosed(conn) })
}

func (h *Handler) sendError(conn Connection, code string, detail ...string) {
	h.metrics.errors.WithLabelValues(code).Inc()
	conn.Send(message.BuildError(message.TopicRPC, code, detail...))
}

func (h *Handler) handleSubscribe(conn Connection, msg *message.Message) {
	name := msg.Data[0]
	if h.providers.add(name, conn) {
		log.Log(log.LOGLEVEL_INFO, "rpc: registered provider", conn.Identity(), "for", name)
	} else {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: connection", conn.Identity(), "already provides", name)
	}
	h.metrics.providers.Set(float64(h.providers.total()))
	conn.Send(message.Build(message.TopicRPC, message.ActionAck, message.ActionSubscribe, name))

	h.servePending(name)
}

func (h *Handler) handleUnsubscribe(conn Connection, msg *message.Message) {
	name := msg.Data[0]
	if h.providers.remove(name, conn) {
		log.Log(log.LOGLEVEL_INFO, "rpc: unregistered provider", conn.Identity(), "for", name)
	} else {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: connection", conn.Identity(), "does not provide", name)
	}
	h.metrics.providers.Set(float64(h.providers.total()))
	conn.Send(message.Build(message.TopicRPC, message.ActionAck, message.ActionUnsubscribe, name))
}

// keyInUse reports whether the requester already has a call with the same name
// and correlation id in flight or waiting for discovery.
func (h *Handler) keyInUse(key rpcKey) bool {
	if _, ok := h.rpcs[key]; ok {
		return true
	}
	if d, ok := h.pending[key.name]; ok {
		for _, p := range d.requests {
			if p.requester.Identity() == key.requester && keyOf(p.request) == key.callKey {
				return true
			}
		}
	}
	return false
}

func (h *Handler) handleRequest(requester Connection, msg *message.Message) {
	key := rpcKey{requester: requester.Identity(), callKey: keyOf(msg)}

	if h.keyInUse(key) {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: correlation id already in flight:", key.requester, key.name, key.correlationId)
		h.sendError(requester, message.CodeInvalidRpcCorrelationId, key.name, key.correlationId)
		return
	}

	if provider := h.providers.pick(key.name, nil); provider != nil {
		h.startLocal(requester, provider, msg)
		return
	}
	h.routeRemote(requester, msg)
}

// startLocal creates an Rpc bound to provider and forwards the request to it.
func (h *Handler) startLocal(requester, provider Connection, msg *message.Message) {
	r := &Rpc{
		key:        rpcKey{requester: requester.Identity(), callKey: keyOf(msg)},
		requester:  requester,
		provider:   provider,
		state:      StateRequested,
		request:    msg,
		rejectedBy: make(map[string]bool),
		token:      log.GetLogToken(),
	}
	h.track(r)
	h.metrics.requests.WithLabelValues(routeLocal).Inc()

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, "rpc: forwarding", r.String())
	}
	provider.Send(msg.Raw)
}

// startRemote publishes the request on the private topic of another node and
// creates an Rpc bound to that topic.
func (h *Handler) startRemote(requester Connection, msg *message.Message, topic string) {
	key := rpcKey{requester: requester.Identity(), callKey: keyOf(msg)}
	fwd := &message.Message{
		Topic:              topic,
		Action:             message.ActionRequest,
		Data:               msg.Data,
		Raw:                msg.Raw,
		OriginalTopic:      message.TopicRPC,
		RemotePrivateTopic: h.private_topic,
		Origin:             h.cfg.ServerName,
	}

	if err := h.bus.Publish(topic, fwd); err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "rpc: could not forward", key.name, key.correlationId, "to", topic+":", err.Error())
		h.sendError(requester, message.CodeNoRpcProvider, key.name, key.correlationId)
		return
	}

	r := &Rpc{
		key:         key,
		requester:   requester,
		remoteTopic: topic,
		state:       StateRequested,
		request:     msg,
		token:       log.GetLogToken(),
	}
	h.track(r)
	h.metrics.requests.WithLabelValues(routeRemote).Inc()

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, "rpc: forwarded", r.String())
	}
}

// track registers r and starts its timers.
func (h *Handler) track(r *Rpc) {
	h.rpcs[r.key] = r
	h.bind(r)
	r.ackTimer = h.clock.AfterFunc(h.cfg.AckTimeout, func() { h.ackTimeout(r) })
	r.responseTimer = h.clock.AfterFunc(h.cfg.ResponseTimeout, func() { h.responseTimeout(r) })
	h.metrics.inFlight.Set(float64(len(h.rpcs)))
}

func (h *Handler) bind(r *Rpc) {
	k := r.boundKey()
	h.bound[k] = append(h.bound[k], r)
}

func (h *Handler) unbind(r *Rpc) {
	k := r.boundKey()
	rs := h.bound[k]
	for i, other := range rs {
		if other == r {
			rs = append(rs[:i:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(h.bound, k)
	} else {
		h.bound[k] = rs
	}
}

func (h *Handler) destroy(r *Rpc) {
	r.stopTimers()
	if h.rpcs[r.key] == r {
		delete(h.rpcs, r.key)
		h.unbind(r)
	}
	h.metrics.inFlight.Set(float64(len(h.rpcs)))
}

// abandon destroys r and tells the requester why.
func (h *Handler) abandon(r *Rpc, code string) {
	log.Log(log.LOGLEVEL_INFO, "rpc: abandoning", r.String()+":", code)
	h.destroy(r)
	h.sendError(r.requester, code, r.key.name, r.key.correlationId)
}

// current reports whether r is still the live call for its key. Timer callbacks
// may run after r was replaced or destroyed.
func (h *Handler) current(r *Rpc) bool {
	return !h.closed && h.rpcs[r.key] == r
}

func (h *Handler) ackTimeout(r *Rpc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.current(r) || r.ackReceived {
		return
	}
	h.metrics.timeouts.WithLabelValues(timeoutAck).Inc()
	h.abandon(r, message.CodeAckTimeout)
}

func (h *Handler) responseTimeout(r *Rpc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.current(r) || r.responseReceived {
		return
	}
	h.metrics.timeouts.WithLabelValues(timeoutResponse).Inc()
	h.abandon(r, message.CodeResponseTimeout)
}

// servedBy returns the calls target serves under call, oldest first. target is
// a provider's identity or another node's private topic.
func (h *Handler) servedBy(target string, call callKey, what string) []*Rpc {
	rs := h.bound[boundKey{target: target, callKey: call}]
	if len(rs) == 0 && log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, "rpc: dropping", what, "from", target, "for unknown call", call.name, call.correlationId)
	}
	return rs
}

// firstUnacked returns the oldest call in rs still waiting for an ack.
func firstUnacked(rs []*Rpc) *Rpc {
	for _, r := range rs {
		if !r.ackReceived {
			return r
		}
	}
	return nil
}

func (h *Handler) handleAck(provider Connection, msg *message.Message) {
	rs := h.servedBy(provider.Identity(), keyOf(msg), "ack")
	if len(rs) == 0 {
		return
	}
	h.acknowledge(rs, msg, provider)
}

// acknowledge moves the oldest unacknowledged call in rs to StateAcknowledged
// and passes the ack on. If all of them are acknowledged already, provider, if
// known, gets MULTIPLE_ACK.
func (h *Handler) acknowledge(rs []*Rpc, msg *message.Message, provider Connection) {
	r := firstUnacked(rs)
	if r == nil {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: multiple acks for", rs[0].String())
		if provider != nil {
			h.sendError(provider, message.CodeMultipleAck, rs[0].key.name, rs[0].key.correlationId)
		}
		return
	}

	r.ackReceived = true
	r.state = StateAcknowledged
	r.ackTimer.Stop()
	h.metrics.acks.Inc()
	r.requester.Send(msg.Raw)
}

func (h *Handler) handleResponse(provider Connection, msg *message.Message) {
	if rs := h.servedBy(provider.Identity(), keyOf(msg), "response"); len(rs) > 0 {
		h.respond(rs[0], msg)
	}
}

func (h *Handler) respond(r *Rpc, msg *message.Message) {
	r.responseReceived = true
	h.destroy(r)
	h.metrics.responses.Inc()

	if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
		log.Log(log.LOGLEVEL_DEBUG, "rpc: completed", r.String())
	}
	r.requester.Send(msg.Raw)
}

// errorKey reads the call an ERROR message is about: [message, name,
// correlation id].
func errorKey(msg *message.Message) callKey {
	return callKey{name: msg.Field(1), correlationId: msg.Field(2)}
}

// handleProviderError passes an error raised by the provider to the requester.
// It ends the call.
func (h *Handler) handleProviderError(provider Connection, msg *message.Message) {
	if rs := h.servedBy(provider.Identity(), errorKey(msg), "error"); len(rs) > 0 {
		h.fail(rs[0], msg)
	}
}

func (h *Handler) fail(r *Rpc, msg *message.Message) {
	log.Log(log.LOGLEVEL_INFO, "rpc: provider error for", r.String()+":", logString(msg.Field(0)))
	r.responseReceived = true
	h.destroy(r)
	r.requester.Send(msg.Raw)
}

// handleRejection hands the call to the next local provider that hasn't
// rejected it yet. A provider that acknowledged a call can't reject it anymore.
func (h *Handler) handleRejection(provider Connection, msg *message.Message) {
	key := keyOf(msg)
	rs := h.servedBy(provider.Identity(), key, "rejection")
	if len(rs) == 0 {
		return
	}

	r := firstUnacked(rs)
	if r == nil {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc:", provider.Identity(), "rejected acknowledged call", rs[0].String())
		h.sendError(provider, message.CodeInvalidRejection, key.name, key.correlationId)
		return
	}

	r.rejectedBy[provider.Identity()] = true
	next := h.providers.pick(r.key.name, r.rejectedBy)
	if next == nil {
		h.abandon(r, message.CodeNoRpcProvider)
		return
	}

	h.unbind(r)
	r.provider = next
	h.bind(r)
	r.ackTimer.Stop()
	r.ackTimer = h.clock.AfterFunc(h.cfg.AckTimeout, func() { h.ackTimeout(r) })

	log.Log(log.LOGLEVEL_INFO, "rpc: rejected by", provider.Identity()+", rerouting", r.String())
	next.Send(r.request.Raw)
}

// connectionClosed removes conn as a provider and drops its calls. Calls it
// was serving are abandoned with PROVIDER_DISCONNECTED.
func (h *Handler) connectionClosed(conn Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := conn.Identity()
	delete(h.watched, id)
	if h.closed {
		return
	}

	if names := h.providers.removeAll(conn); len(names) > 0 {
		log.Log(log.LOGLEVEL_INFO, "rpc: provider", id, "disconnected; it provided", names)
		h.metrics.providers.Set(float64(h.providers.total()))
	}

	for _, r := range h.rpcs {
		if r.key.requester == id {
			h.destroy(r)
		} else if r.boundTo(conn) {
			h.abandon(r, message.CodeProviderDisconnected)
		}
	}

	h.dropPendingOf(id)
}
