package rpc

// Connection is a client connection as seen by the Handler. Implementations
// own the transport; the Handler only sends on it and watches for it to close.
type Connection interface {
	// Identity is unique among the open connections of a node.
	Identity() string
	// Send queues one serialized message. It must not block and must not call
	// back into the Handler.
	Send(raw string)
	// OnClose registers f to be called once the connection is gone. f is never
	// called synchronously from OnClose.
	OnClose(f func())
}
