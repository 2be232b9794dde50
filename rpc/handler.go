/*
Package rpc implements remote procedure calls between client connections.

Clients providing an rpc subscribe to its name; clients calling it send a
request carrying the name and a correlation id. The Handler routes the request
to a local provider (round-robin), or, if there is none, asks the other nodes of
the cluster for one over the message bus. The chosen provider acknowledges and
then responds; both are passed back to the requester.

	requester            Handler              provider
	    |--- REQ name cid --->|                     |
	    |                     |--- REQ name cid --->|
	    |                     |<--- A name cid -----|
	    |<--- A name cid -----|                     |
	    |                     |<--- RES name cid ---|
	    |<--- RES name cid ---|                     |

Cross-node calls go through the private topic PRIVATE/<serverName> of each
node: the requesting node publishes the request on the provider node's private
topic, and that node publishes acks and responses on the requesting node's.
*/
package rpc

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

// Handler owns the provider registry and all calls in flight on this node.
// All methods are safe for concurrent use.
type Handler struct {
	cfg           Config
	bus           bus.Bus
	clock         clock.Clock
	private_topic string
	metrics       *metrics

	mu        sync.Mutex
	closed    bool
	providers *registry
	rpcs      map[rpcKey]*Rpc
	bound     map[boundKey][]*Rpc
	pending   map[string]*discovery
	// rpc name -> private topic of a node that announced providers; nil if disabled.
	remote_providers *expirable.LRU[string, string]
	// Identities of the connections whose OnClose we hooked.
	watched     map[string]bool
	unsubscribe []func()
}

// NewHandler creates a Handler and subscribes it to the RPC topic and to this
// node's private topic on b.
func NewHandler(cfg Config, b bus.Bus) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg = cfg.withDefaults()

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, errors.Trace(err)
	}

	h := &Handler{
		cfg:           cfg,
		bus:           b,
		clock:         cfg.Clock,
		private_topic: message.PrivateTopic(cfg.ServerName),
		metrics:       m,
		providers:     newRegistry(),
		rpcs:          make(map[rpcKey]*Rpc),
		bound:         make(map[boundKey][]*Rpc),
		pending:       make(map[string]*discovery),
		watched:       make(map[string]bool),
	}

	if cfg.ProviderCacheTTL > 0 {
		h.remote_providers = expirable.NewLRU[string, string](cfg.ProviderCacheSize, nil, cfg.ProviderCacheTTL)
	}

	unsub, err := b.Subscribe(message.TopicRPC, h.handleClusterMessage)
	if err != nil {
		return nil, errors.Annotate(err, "subscribing to rpc topic")
	}
	h.unsubscribe = append(h.unsubscribe, unsub)

	unsub, err = b.Subscribe(h.private_topic, h.handlePrivateMessage)
	if err != nil {
		h.unsubscribe[0]()
		return nil, errors.Annotatef(err, "subscribing to %s", h.private_topic)
	}
	h.unsubscribe = append(h.unsubscribe, unsub)

	log.Log(log.LOGLEVEL_INFO, "rpc: handler listening on", h.private_topic)
	return h, nil
}

// Handle processes one RPC-topic message received from conn.
func (h *Handler) Handle(conn Connection, msg *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.watch(conn)

	switch msg.Action {
	case message.ActionSubscribe, message.ActionUnsubscribe, message.ActionRequest, message.ActionAck,
		message.ActionResponse, message.ActionError, message.ActionRejection:
	default:
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: unknown action", msg.Action, "from", conn.Identity())
		h.sendError(conn, message.CodeUnknownAction, "unknown action "+msg.Action)
		return
	}

	if v := validate(msg); v != Valid {
		log.Log(log.LOGLEVEL_WARNINGS, "rpc: invalid message from", conn.Identity()+":", v.String(), logString(msg.Raw))
		h.sendError(conn, message.CodeInvalidMessageData, msg.Raw)
		return
	}

	switch msg.Action {
	case message.ActionSubscribe:
		h.handleSubscribe(conn, msg)
	case message.ActionUnsubscribe:
		h.handleUnsubscribe(conn, msg)
	case message.ActionRequest:
		h.handleRequest(conn, msg)
	case message.ActionAck:
		h.handleAck(conn, msg)
	case message.ActionResponse:
		h.handleResponse(conn, msg)
	case message.ActionError:
		h.handleProviderError(conn, msg)
	case message.ActionRejection:
		h.handleRejection(conn, msg)
	}
}

// ProviderCount returns the number of local providers of name.
func (h *Handler) ProviderCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.providers.count(name)
}

// InFlight returns the number of calls waiting for a response, not counting
// those still waiting for a provider to be found.
func (h *Handler) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rpcs)
}

func (h *Handler) PrivateTopic() string {
	return h.private_topic
}

// Close unsubscribes from the bus and drops all calls without notifying
// anybody. Messages handled after Close are ignored.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	for _, r := range h.rpcs {
		r.stopTimers()
	}
	for _, d := range h.pending {
		d.timer.Stop()
	}
	h.rpcs = make(map[rpcKey]*Rpc)
	h.bound = make(map[boundKey][]*Rpc)
	h.pending = make(map[string]*discovery)
	h.metrics.inFlight.Set(0)
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()

	// Bus handlers may be waiting for h.mu.
	for _, unsub := range unsubscribe {
		unsub()
	}
	return nil
}
