package rpc

import (
	"github.com/juju/clock"

	"github.com/dermesser/rtrpc/message"
)

type State int

const (
	// Forwarded to a provider, no acknowledgement yet.
	StateRequested State = iota
	StateAcknowledged
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

// callKey is what requests, acks and responses carry to identify a call.
// Correlation ids are only unique per requester.
type callKey struct {
	name, correlationId string
}

func keyOf(msg *message.Message) callKey {
	return callKey{name: msg.Field(0), correlationId: msg.Field(1)}
}

// rpcKey identifies an in-flight call on this node.
type rpcKey struct {
	requester string
	callKey
}

// boundKey identifies the calls a provider connection, or another node, is
// serving under one callKey. Several requesters may have picked the same
// correlation id; their calls are answered in the order they were routed.
type boundKey struct {
	target string
	callKey
}

// Rpc tracks one call from the moment it was routed until the response reached
// the requester, or the call was abandoned. Only touched under the Handler's
// lock.
type Rpc struct {
	key       rpcKey
	requester Connection
	// Exactly one of provider and remoteTopic is set.
	provider    Connection
	remoteTopic string

	state            State
	ackReceived      bool
	responseReceived bool

	// The request as received from the requester; forwarded again on rejection.
	request *message.Message
	// Identities of the providers that rejected the call.
	rejectedBy map[string]bool

	ackTimer, responseTimer clock.Timer
	// Used to follow the call across log lines.
	token string
}

func (r *Rpc) Name() string {
	return r.key.name
}

func (r *Rpc) CorrelationId() string {
	return r.key.correlationId
}

func (r *Rpc) State() State {
	return r.state
}

func (r *Rpc) IsRemote() bool {
	return r.remoteTopic != ""
}

// boundTo reports whether conn is the local provider serving r.
func (r *Rpc) boundTo(conn Connection) bool {
	return r.provider != nil && r.provider.Identity() == conn.Identity()
}

// target is the identity of the local provider, or the private topic of the
// node serving r.
func (r *Rpc) target() string {
	if r.provider != nil {
		return r.provider.Identity()
	}
	return r.remoteTopic
}

func (r *Rpc) boundKey() boundKey {
	return boundKey{target: r.target(), callKey: r.key.callKey}
}

func (r *Rpc) stopTimers() {
	if r.ackTimer != nil {
		r.ackTimer.Stop()
	}
	if r.responseTimer != nil {
		r.responseTimer.Stop()
	}
}

func (r *Rpc) String() string {
	return "[" + r.token + "] " + r.key.requester + ": " + r.key.name + "/" + r.key.correlationId +
		" -> " + r.target() + " (" + r.state.String() + ")"
}
