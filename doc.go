/*
Rtrpc is a realtime message server with a remote procedure call subsystem. Clients
connect over websockets and exchange text messages; nodes form a cluster over a
message bus.

A client provides an rpc by subscribing to its name, and calls one by sending a
request with a correlation id. The node the caller is connected to routes the
request to one of its own providers, round-robin, or asks the other nodes for
one. The provider acknowledges, then responds; the caller receives both.

E.g.:

	provider                  node A        node B                requester
	   |-- RPC|S|addTwo ------->|              |                      |
	   |<- RPC|A|S|addTwo ------|              |                      |
	   |                        |              |<-- RPC|REQ|addTwo|1 -|
	   |                        |<-- RPC|Q ----|                      |
	   |                        |--- RPC|PU -->|                      |
	   |<- RPC|REQ|addTwo|1 ----|<- PRIVATE/A -|                      |
	   |-- RPC|A|addTwo|1 ----->|-- PRIVATE/B->|-- RPC|A|addTwo|1 --->|
	   |-- RPC|RES|addTwo|1|12->|-- PRIVATE/B->|-- RPC|RES|... ------>|

The packages:

	message        wire format
	rpc            provider registry, routing, discovery, call lifecycle
	server         websocket endpoint and topic distribution
	client         Go client
	bus/localbus   in-process bus
	bus/zmqbus     ZeroMQ cluster bus
	config         YAML configuration
*/
package rtrpc
