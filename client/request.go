package client

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/dermesser/rtrpc/message"
)

// Various parameters determining how a request is executed. There are builder methods to set the various parameters.
type RequestParams struct {
	retries     uint
	timeout     time.Duration
	retry_delay time.Duration
	clock       clock.Clock
}

func NewParams() *RequestParams {
	return &RequestParams{retries: 0, timeout: 10 * time.Second, retry_delay: 100 * time.Millisecond, clock: clock.WallClock}
}

// How often a request is retried when no provider was found. Default: 0
func (p *RequestParams) Retries(r uint) *RequestParams {
	p.retries = r
	return p
}

// How long to wait for the response of one attempt. Default: 10s
func (p *RequestParams) Timeout(d time.Duration) *RequestParams {
	p.timeout = d
	return p
}

// How long to wait before retrying. Default: 100ms
func (p *RequestParams) RetryDelay(d time.Duration) *RequestParams {
	p.retry_delay = d
	return p
}

func (p *RequestParams) Clock(c clock.Clock) *RequestParams {
	p.clock = c
	return p
}

// ProviderFunc serves one request. It must eventually call Respond, Error or
// Reject; Ack is optional.
type ProviderFunc func(*Request)

// A request received by a provider.
type Request struct {
	client         *Client
	name           string
	correlation_id string
	data           string

	mu       sync.Mutex
	acked    bool
	answered bool
}

func (r *Request) Name() string {
	return r.name
}

func (r *Request) CorrelationId() string {
	return r.correlation_id
}

// Data returns the arguments of the call, usually JSON.
func (r *Request) Data() string {
	return r.data
}

// Ack tells the requester that the request is being worked on. Acking twice is
// a no-op.
func (r *Request) Ack() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.answered {
		return errors.Trace(ErrAlreadyAnswered)
	}
	if r.acked {
		return nil
	}
	r.acked = true
	return r.client.send(message.Build(message.TopicRPC, message.ActionAck, r.name, r.correlation_id))
}

func (r *Request) Respond(data string) error {
	return r.answer(message.Build(message.TopicRPC, message.ActionResponse, r.name, r.correlation_id, data))
}

// Error fails the call; msg becomes the Code of the requester's RequestError.
func (r *Request) Error(msg string) error {
	if msg == "" {
		msg = "error"
	}
	return r.answer(message.Build(message.TopicRPC, message.ActionError, msg, r.name, r.correlation_id))
}

// Reject passes the request on to another provider, if there is one. A
// request can't be rejected after Ack.
func (r *Request) Reject() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acked && !r.answered {
		return errors.Trace(ErrAlreadyAcked)
	}
	return r.answerLocked(message.Build(message.TopicRPC, message.ActionRejection, r.name, r.correlation_id))
}

func (r *Request) answer(raw string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answerLocked(raw)
}

func (r *Request) answerLocked(raw string) error {
	if r.answered {
		return errors.Trace(ErrAlreadyAnswered)
	}
	r.answered = true
	return r.client.send(raw)
}
