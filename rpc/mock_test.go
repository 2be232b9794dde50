package rpc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/rtrpc/bus/bustest"
	"github.com/dermesser/rtrpc/message"
)

// msg turns the readable test notation into wire text: '|' separates fields,
// '+' separates messages.
func msg(s string) string {
	s = strings.ReplaceAll(s, "|", message.FieldSeparator)
	return strings.ReplaceAll(s, "+", message.MessageSeparator)
}

func parse(t *testing.T, s string) *message.Message {
	msgs, err := message.Parse(msg(s))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

type mockConn struct {
	id string

	mu      sync.Mutex
	sent    []string
	onClose []func()
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id}
}

func (c *mockConn) Identity() string {
	return c.id
}

func (c *mockConn) Send(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, raw)
}

func (c *mockConn) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, f)
}

// lastSent returns the last message sent on c, or "" if nothing was sent since
// the last reset.
func (c *mockConn) lastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

func (c *mockConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *mockConn) close() {
	c.mu.Lock()
	fs := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, f := range fs {
		f()
	}
}

type fixture struct {
	h   *Handler
	bus *bustest.Bus
	clk *testclock.Clock
	reg *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		bus: bustest.New(),
		clk: testclock.NewClock(time.Now()),
		reg: prometheus.NewRegistry(),
	}
	h, err := NewHandler(Config{ServerName: "thisServer", Clock: f.clk, Registerer: f.reg}, f.bus)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	f.h = h
	return f
}

func (f *fixture) handle(t *testing.T, conn Connection, s string) {
	f.h.Handle(conn, parse(t, s))
}

// provide subscribes conn to name.
func (f *fixture) provide(t *testing.T, conn *mockConn, name string) {
	f.handle(t, conn, "RPC|S|"+name)
	require.Equal(t, msg("RPC|A|S|"+name), conn.lastSent())
	conn.reset()
}

// advance moves the clock once n timers are waiting.
func (f *fixture) advance(t *testing.T, d time.Duration, n int) {
	require.NoError(t, f.clk.WaitAdvance(d, time.Second, n))
}

func eventuallySent(t *testing.T, conn *mockConn, want string) {
	require.Eventually(t, func() bool { return conn.lastSent() == msg(want) }, time.Second, 5*time.Millisecond,
		"last message on %s: %q", conn.id, conn.lastSent())
}
