package rpc

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/rtrpc/bus/bustest"
	"github.com/dermesser/rtrpc/message"
)

const (
	requestAddTwo  = `RPC|REQ|addTwo|1234|{"numA":5, "numB":7}`
	ackAddTwo      = "RPC|A|addTwo|1234"
	responseAddTwo = "RPC|RES|addTwo|1234|12"
)

func TestNewHandlerValidatesConfig(t *testing.T) {
	_, err := NewHandler(Config{}, bustest.New())
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = NewHandler(Config{ServerName: "x", AckTimeout: -time.Second}, bustest.New())
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestHandlerSubscribesToBus(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.bus.Subscribed(message.TopicRPC))
	assert.True(t, f.bus.Subscribed("PRIVATE/thisServer"))
	assert.Equal(t, "PRIVATE/thisServer", f.h.PrivateTopic())

	require.NoError(t, f.h.Close())
	assert.False(t, f.bus.Subscribed(message.TopicRPC))
	assert.False(t, f.bus.Subscribed("PRIVATE/thisServer"))
}

func TestSubscriptionWithoutData(t *testing.T) {
	f := newFixture(t)
	conn := newMockConn("a")

	f.h.Handle(conn, &message.Message{Topic: message.TopicRPC, Action: message.ActionSubscribe, Raw: "rawMessageString1"})
	assert.Equal(t, msg("RPC|E|INVALID_MESSAGE_DATA|rawMessageString1"), conn.lastSent())
}

func TestInvalidSubscription(t *testing.T) {
	f := newFixture(t)
	conn := newMockConn("a")

	f.h.Handle(conn, &message.Message{
		Topic:  message.TopicRPC,
		Action: message.ActionSubscribe,
		Raw:    "rawMessageString2",
		Data:   []string{"1", "a"},
	})
	assert.Equal(t, msg("RPC|E|INVALID_MESSAGE_DATA|rawMessageString2"), conn.lastSent())
	assert.Equal(t, 0, f.h.ProviderCount("1"))

	f.h.Handle(conn, &message.Message{
		Topic:  message.TopicRPC,
		Action: message.ActionSubscribe,
		Raw:    "rawMessageString3",
		Data:   []string{""},
	})
	assert.Equal(t, msg("RPC|E|INVALID_MESSAGE_DATA|rawMessageString3"), conn.lastSent())
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	conn := newMockConn("a")

	f.h.Handle(conn, &message.Message{
		Topic:  message.TopicRPC,
		Action: "giberrish",
		Raw:    "rawMessageString2",
		Data:   []string{"1", "a"},
	})
	assert.Equal(t, msg("RPC|E|UNKNOWN_ACTION|unknown action giberrish"), conn.lastSent())

	// Discovery traffic is only accepted from the bus.
	f.handle(t, conn, "RPC|Q|addTwo")
	assert.Equal(t, msg("RPC|E|UNKNOWN_ACTION|unknown action Q"), conn.lastSent())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	conn := newMockConn("a")

	f.handle(t, conn, "RPC|S|addTwo")
	assert.Equal(t, msg("RPC|A|S|addTwo"), conn.lastSent())
	assert.Equal(t, 1, f.h.ProviderCount("addTwo"))

	// Subscribing twice doesn't register twice.
	f.handle(t, conn, "RPC|S|addTwo")
	assert.Equal(t, msg("RPC|A|S|addTwo"), conn.lastSent())
	assert.Equal(t, 1, f.h.ProviderCount("addTwo"))

	f.handle(t, conn, "RPC|US|addTwo")
	assert.Equal(t, msg("RPC|A|US|addTwo"), conn.lastSent())
	assert.Equal(t, 0, f.h.ProviderCount("addTwo"))
}

func TestLocalRpc(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")

	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, msg(requestAddTwo), provider.lastSent())
	assert.Equal(t, 1, f.h.InFlight())

	f.handle(t, provider, ackAddTwo)
	assert.Equal(t, msg(ackAddTwo), requester.lastSent())

	// A second ack is not forwarded, and the provider is told off.
	requester.reset()
	f.handle(t, provider, ackAddTwo)
	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, msg("RPC|E|MULTIPLE_ACK|addTwo|1234"), provider.lastSent())
	assert.Equal(t, 1, f.h.InFlight())

	f.handle(t, provider, responseAddTwo)
	assert.Equal(t, msg(responseAddTwo), requester.lastSent())
	assert.Equal(t, 0, f.h.InFlight())

	// Later responses are dropped.
	requester.reset()
	provider.reset()
	f.handle(t, provider, "RPC|RES|addTwo|1234|14")
	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, "", provider.lastSent())
}

func TestResponseWithoutAck(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, provider, responseAddTwo)
	assert.Equal(t, msg(responseAddTwo), requester.lastSent())
	assert.Equal(t, 0, f.h.InFlight())
}

func TestRoundRobin(t *testing.T) {
	f := newFixture(t)
	requester := newMockConn("requester")
	p1, p2 := newMockConn("p1"), newMockConn("p2")
	f.provide(t, p1, "addTwo")
	f.provide(t, p2, "addTwo")

	f.handle(t, requester, "RPC|REQ|addTwo|1|{}")
	f.handle(t, requester, "RPC|REQ|addTwo|2|{}")
	f.handle(t, requester, "RPC|REQ|addTwo|3|{}")

	assert.Equal(t, []string{msg("RPC|REQ|addTwo|1|{}"), msg("RPC|REQ|addTwo|3|{}")}, p1.sent)
	assert.Equal(t, []string{msg("RPC|REQ|addTwo|2|{}")}, p2.sent)
}

func TestDuplicateCorrelationId(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	provider.reset()

	f.handle(t, requester, requestAddTwo)
	assert.Equal(t, msg("RPC|E|INVALID_RPC_CORRELATION_ID|addTwo|1234"), requester.lastSent())
	assert.Equal(t, "", provider.lastSent())
	assert.Equal(t, 1, f.h.InFlight())
}

func TestSameCorrelationIdFromTwoRequesters(t *testing.T) {
	f := newFixture(t)
	a, b, provider := newMockConn("a"), newMockConn("b"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, a, requestAddTwo)
	f.handle(t, b, requestAddTwo)
	assert.Equal(t, 2, provider.count())
	assert.Equal(t, "", b.lastSent())
	assert.Equal(t, 2, f.h.InFlight())

	// The provider's answers are matched to the calls in routing order.
	f.handle(t, provider, ackAddTwo)
	assert.Equal(t, msg(ackAddTwo), a.lastSent())
	assert.Equal(t, "", b.lastSent())

	f.handle(t, provider, ackAddTwo)
	assert.Equal(t, msg(ackAddTwo), b.lastSent())

	provider.reset()
	f.handle(t, provider, ackAddTwo)
	assert.Equal(t, msg("RPC|E|MULTIPLE_ACK|addTwo|1234"), provider.lastSent())
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())

	f.handle(t, provider, "RPC|RES|addTwo|1234|12")
	assert.Equal(t, msg("RPC|RES|addTwo|1234|12"), a.lastSent())
	assert.Equal(t, 1, b.count())

	f.handle(t, provider, "RPC|RES|addTwo|1234|13")
	assert.Equal(t, msg("RPC|RES|addTwo|1234|13"), b.lastSent())
	assert.Equal(t, 0, f.h.InFlight())
}

func TestRequesterCanReuseCorrelationIdAfterResponse(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, provider, responseAddTwo)
	requester.reset()

	f.handle(t, requester, requestAddTwo)
	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, 1, f.h.InFlight())
}

func TestAckFromOtherConnectionIgnored(t *testing.T) {
	f := newFixture(t)
	requester, provider, other := newMockConn("requester"), newMockConn("provider"), newMockConn("other")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, other, ackAddTwo)
	f.handle(t, other, responseAddTwo)

	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, "", other.lastSent())
	assert.Equal(t, 1, f.h.InFlight())
}

func TestProviderError(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, provider, "RPC|E|division by zero|addTwo|1234")
	assert.Equal(t, msg("RPC|E|division by zero|addTwo|1234"), requester.lastSent())
	assert.Equal(t, 0, f.h.InFlight())
}

func TestRejectionReroutes(t *testing.T) {
	f := newFixture(t)
	requester := newMockConn("requester")
	p1, p2 := newMockConn("p1"), newMockConn("p2")
	f.provide(t, p1, "addTwo")
	f.provide(t, p2, "addTwo")

	f.handle(t, requester, requestAddTwo)
	require.Equal(t, msg(requestAddTwo), p1.lastSent())

	f.handle(t, p1, "RPC|REJ|addTwo|1234")
	assert.Equal(t, msg(requestAddTwo), p2.lastSent())
	assert.Equal(t, "", requester.lastSent())

	// p1 is no longer bound to the call.
	f.handle(t, p1, ackAddTwo)
	assert.Equal(t, "", requester.lastSent())

	f.handle(t, p2, "RPC|REJ|addTwo|1234")
	assert.Equal(t, msg("RPC|E|NO_RPC_PROVIDER|addTwo|1234"), requester.lastSent())
	assert.Equal(t, 0, f.h.InFlight())
}

func TestRejectionAfterAckRefused(t *testing.T) {
	f := newFixture(t)
	requester := newMockConn("requester")
	p1, p2 := newMockConn("p1"), newMockConn("p2")
	f.provide(t, p1, "addTwo")
	f.provide(t, p2, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, p1, ackAddTwo)

	f.handle(t, p1, "RPC|REJ|addTwo|1234")
	assert.Equal(t, msg("RPC|E|INVALID_REJECTION|addTwo|1234"), p1.lastSent())
	assert.Equal(t, "", p2.lastSent())

	// p2 never got the call, so its ack goes nowhere.
	f.handle(t, p2, ackAddTwo)
	assert.Equal(t, 1, requester.count())

	f.h.mu.Lock()
	r := f.h.rpcs[rpcKey{requester: "requester", callKey: callKey{"addTwo", "1234"}}]
	f.h.mu.Unlock()
	require.NotNil(t, r)
	assert.Equal(t, StateAcknowledged, r.State())

	f.handle(t, p1, responseAddTwo)
	assert.Equal(t, msg(responseAddTwo), requester.lastSent())
	assert.Equal(t, 0, f.h.InFlight())
}

func TestAckTimeout(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	// ack and response timer
	f.advance(t, DEFAULT_ACK_TIMEOUT, 2)

	eventuallySent(t, requester, "RPC|E|ACK_TIMEOUT|addTwo|1234")
	assert.Equal(t, 0, f.h.InFlight())

	// The provider answering late changes nothing.
	requester.reset()
	f.handle(t, provider, ackAddTwo)
	f.handle(t, provider, responseAddTwo)
	assert.Equal(t, "", requester.lastSent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.timeouts.WithLabelValues(timeoutAck)))
}

func TestResponseTimeout(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	f.handle(t, provider, ackAddTwo)
	f.advance(t, DEFAULT_RESPONSE_TIMEOUT, 1)

	eventuallySent(t, requester, "RPC|E|RESPONSE_TIMEOUT|addTwo|1234")
	assert.Equal(t, 0, f.h.InFlight())
}

func TestProviderDisconnect(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	provider.close()

	assert.Equal(t, msg("RPC|E|PROVIDER_DISCONNECTED|addTwo|1234"), requester.lastSent())
	assert.Equal(t, 0, f.h.ProviderCount("addTwo"))
	assert.Equal(t, 0, f.h.InFlight())
}

func TestRequesterDisconnect(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")

	f.handle(t, requester, requestAddTwo)
	requester.close()
	assert.Equal(t, 0, f.h.InFlight())

	provider.reset()
	f.handle(t, provider, responseAddTwo)
	assert.Equal(t, 0, requester.count())
	assert.Equal(t, "", provider.lastSent())
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	requester, provider := newMockConn("requester"), newMockConn("provider")
	f.provide(t, provider, "addTwo")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.providers))

	f.handle(t, requester, requestAddTwo)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.inFlight))

	f.handle(t, provider, ackAddTwo)
	f.handle(t, provider, ackAddTwo)
	f.handle(t, provider, responseAddTwo)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.requests.WithLabelValues(routeLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.acks))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.responses))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.h.metrics.errors.WithLabelValues(message.CodeMultipleAck)))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.h.metrics.inFlight))

	n, err := testutil.GatherAndCount(f.reg, "rtrpc_rpc_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleAfterClose(t *testing.T) {
	f := newFixture(t)
	conn := newMockConn("a")
	require.NoError(t, f.h.Close())
	require.NoError(t, f.h.Close())

	f.handle(t, conn, "RPC|S|addTwo")
	assert.Equal(t, "", conn.lastSent())
}
