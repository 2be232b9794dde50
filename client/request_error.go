package client

import (
	"github.com/juju/errors"
)

// Codes of errors raised by the client itself. Errors reported by the server
// carry the server's code, e.g. NO_RPC_PROVIDER.
const (
	CodeClientTimeout = "CLIENT_TIMEOUT"
)

var (
	ErrClosed          = errors.New("client closed")
	ErrAlreadyAnswered = errors.New("request already answered")
	ErrAlreadyAcked    = errors.New("request already acknowledged")
)

/*
RequestError is returned by Make when the call failed. Code is one of

	NO_RPC_PROVIDER (no node of the cluster provides the rpc)
	ACK_TIMEOUT (the provider didn't acknowledge in time)
	RESPONSE_TIMEOUT (the provider didn't respond in time)
	PROVIDER_DISCONNECTED (the provider went away before responding)
	INVALID_RPC_CORRELATION_ID (a call with the same correlation id is in flight)
	CLIENT_TIMEOUT (no answer within the timeout set in RequestParams)

or, if the provider failed the call, the message the provider passed to
Request.Error.

Use the idiom errors.As(err, &reqErr) to obtain it.
*/
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}
