package rpc

import (
	"strconv"

	"github.com/juju/clock"

	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

type pendingRequest struct {
	requester Connection
	request   *message.Message
}

// discovery collects the requests for an rpc without local provider while the
// cluster is asked for one. There is at most one per name.
type discovery struct {
	name     string
	requests []pendingRequest
	timer    clock.Timer
}

// routeRemote finds a provider on another node for a request that can't be
// served locally. Expects h.mu to be held.
func (h *Handler) routeRemote(requester Connection, msg *message.Message) {
	name := msg.Field(0)

	if h.remote_providers != nil {
		if topic, ok := h.remote_providers.Get(name); ok {
			h.startRemote(requester, msg, topic)
			return
		}
	}

	d, ok := h.pending[name]
	if !ok {
		d = &discovery{name: name}

		if err := h.bus.Publish(message.TopicRPC, message.New(message.TopicRPC, message.ActionQuery, name)); err != nil {
			log.Log(log.LOGLEVEL_ERRORS, "rpc: could not query providers of", name+":", err.Error())
			h.sendError(requester, message.CodeNoRpcProvider, name, msg.Field(1))
			return
		}

		d.timer = h.clock.AfterFunc(h.cfg.ProviderQueryTimeout, func() { h.discoveryTimeout(d) })
		h.pending[name] = d
		log.Log(log.LOGLEVEL_DEBUG, "rpc: no local provider for", name+", querying cluster")
	}
	d.requests = append(d.requests, pendingRequest{requester: requester, request: msg})
}

func (h *Handler) discoveryTimeout(d *discovery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.pending[d.name] != d {
		return
	}
	delete(h.pending, d.name)
	h.metrics.timeouts.WithLabelValues(timeoutDiscovery).Inc()

	log.Log(log.LOGLEVEL_INFO, "rpc: no provider for", d.name, "in the cluster;", len(d.requests), "requests failed")
	for _, p := range d.requests {
		h.sendError(p.requester, message.CodeNoRpcProvider, d.name, p.request.Field(1))
	}
}

// servePending hands the requests waiting for discovery of name to a local
// provider that subscribed in the meantime.
func (h *Handler) servePending(name string) {
	d, ok := h.pending[name]
	if !ok {
		return
	}
	delete(h.pending, name)
	d.timer.Stop()

	log.Log(log.LOGLEVEL_DEBUG, "rpc: local provider for", name, "appeared during discovery")
	for _, p := range d.requests {
		provider := h.providers.pick(name, nil)
		if provider == nil {
			h.sendError(p.requester, message.CodeNoRpcProvider, name, p.request.Field(1))
			continue
		}
		h.startLocal(p.requester, provider, p.request)
	}
}

// dropPendingOf forgets the waiting requests of a closed connection. Expects
// h.mu to be held.
func (h *Handler) dropPendingOf(id string) {
	for name, d := range h.pending {
		kept := d.requests[:0]
		for _, p := range d.requests {
			if p.requester.Identity() != id {
				kept = append(kept, p)
			}
		}
		d.requests = kept

		if len(d.requests) == 0 {
			d.timer.Stop()
			delete(h.pending, name)
		}
	}
}

// handleClusterMessage processes QUERY and PROVIDER_UPDATE messages published
// on the RPC topic by any node, this one included.
func (h *Handler) handleClusterMessage(msg *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	switch msg.Action {
	case message.ActionQuery, message.ActionProviderUpdate:
	default:
		log.Log(log.LOGLEVEL_DEBUG, "rpc: ignoring", msg.Action, "on the cluster rpc topic")
		return
	}

	if v := validate(msg); v != Valid {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: dropping invalid cluster message:", v.String(), msg.String())
		return
	}

	if msg.Action == message.ActionQuery {
		h.handleQuery(msg)
	} else {
		h.handleProviderUpdate(msg)
	}
}

func (h *Handler) handleQuery(msg *message.Message) {
	name := msg.Data[0]
	count := h.providers.count(name)
	if count == 0 {
		return
	}

	update := message.New(message.TopicRPC, message.ActionProviderUpdate, name, strconv.Itoa(count), h.private_topic)
	if err := h.bus.Publish(message.TopicRPC, update); err != nil {
		log.Log(log.LOGLEVEL_ERRORS, "rpc: could not announce providers of", name+":", err.Error())
	}
}

// handleProviderUpdate forwards the requests waiting for name to the node that
// announced providers. Only the first announcement counts; this node's own are
// ignored.
func (h *Handler) handleProviderUpdate(msg *message.Message) {
	name, topic := msg.Data[0], msg.Data[2]
	count, err := strconv.Atoi(msg.Data[1])

	if err != nil || count <= 0 {
		log.Log(log.LOGLEVEL_DEBUG, "rpc: ignoring provider update without providers:", msg.String())
		return
	}
	if topic == h.private_topic || !message.IsPrivateTopic(topic) {
		return
	}

	if h.remote_providers != nil {
		h.remote_providers.Add(name, topic)
	}

	d, ok := h.pending[name]
	if !ok {
		return
	}
	delete(h.pending, name)
	d.timer.Stop()

	log.Log(log.LOGLEVEL_DEBUG, "rpc:", topic, "provides", name)
	for _, p := range d.requests {
		h.startRemote(p.requester, p.request, topic)
	}
}
