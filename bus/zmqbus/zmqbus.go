/*
Package zmqbus connects the nodes of a cluster over ZeroMQ PUB/SUB sockets.

Every node binds one PUB socket and connects its SUB socket to the PUB sockets
of its peers. Messages are wrapped in a proto.BusMessage envelope and sent as
two frames: [topic, envelope]. The SUB socket subscribes to everything; topic
filtering and fan-out to subscribers happens in process, on a localbus.

Messages published by a node are delivered to its own subscribers directly,
without a network round trip; copies of them arriving over the network (if a
node lists its own endpoint as a peer) are dropped.
*/
package zmqbus

import (
	"sync"
	"syscall"
	"time"

	pb "github.com/gogo/protobuf/proto"
	"github.com/juju/errors"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/multierr"

	"github.com/dermesser/rtrpc/bus"
	"github.com/dermesser/rtrpc/bus/localbus"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
	"github.com/dermesser/rtrpc/proto"
	"github.com/dermesser/rtrpc/queue"
	smgr "github.com/dermesser/rtrpc/securitymanager"
)

const (
	DEFAULT_BACKLOG = 1024
	// How often the receiving goroutine looks at its control channels.
	pollInterval = 100 * time.Millisecond
	lingerTime   = 500 * time.Millisecond
)

var ErrBacklogFull = errors.New("bus backlog full")

type Config struct {
	// Name of this node, sent along as the origin of every message.
	ServerName string
	// Endpoint the PUB socket binds to, e.g. "tcp://*:6021".
	Publish string
	// PUB endpoints of the other nodes.
	Peers []string
	// Number of outbound messages buffered before Publish fails.
	Backlog int

	// Both nil: no encryption.
	Publisher  *smgr.PublisherSecurityManager
	Subscriber *smgr.SubscriberSecurityManager
}

func (cfg Config) Validate() error {
	if cfg.ServerName == "" {
		return errors.NotValidf("empty server name")
	}
	if cfg.Publish == "" {
		return errors.NotValidf("empty publish endpoint")
	}
	if (cfg.Publisher == nil) != (cfg.Subscriber == nil) {
		return errors.NotValidf("curve setup with only one of publisher and subscriber keys")
	}
	return nil
}

type outbound struct {
	topic   string
	payload []byte
}

type connectRequest struct {
	endpoint string
	result   chan error
}

type Bus struct {
	cfg   Config
	local *localbus.Bus

	pub, sub *zmq.Socket
	endpoint string

	mu      sync.Mutex
	closed  bool
	backlog *queue.Queue[outbound]

	wake     chan struct{}
	connects chan connectRequest
	stop     chan struct{}
	wg       sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

// New binds the publishing socket, connects to all peers and starts the sending
// and receiving goroutines.
func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DEFAULT_BACKLOG
	}

	b := &Bus{
		cfg:      cfg,
		local:    localbus.New(),
		backlog:  queue.NewQueue[outbound](cfg.Backlog),
		wake:     make(chan struct{}, 1),
		connects: make(chan connectRequest),
		stop:     make(chan struct{}),
	}

	var err error
	zmq.SetIpv6(true)

	b.pub, err = zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Annotate(err, "creating PUB socket")
	}
	b.pub.SetLinger(lingerTime)
	b.pub.SetSndhwm(cfg.Backlog)

	if err = cfg.Publisher.ApplyToPublisherSocket(b.pub); err != nil {
		b.pub.Close()
		return nil, errors.Trace(err)
	}

	log.Log(log.LOGLEVEL_INFO, "zmqbus: binding publisher to", cfg.Publish)
	if err = b.pub.Bind(cfg.Publish); err != nil {
		b.pub.Close()
		return nil, errors.Annotatef(err, "binding %s", cfg.Publish)
	}
	b.endpoint, _ = b.pub.GetLastEndpoint()

	b.sub, err = zmq.NewSocket(zmq.SUB)
	if err != nil {
		b.pub.Close()
		return nil, errors.Annotate(err, "creating SUB socket")
	}
	b.sub.SetRcvtimeo(pollInterval)
	b.sub.SetLinger(0)

	if err = b.sub.SetSubscribe(""); err != nil {
		b.pub.Close()
		b.sub.Close()
		return nil, errors.Trace(err)
	}

	for _, peer := range cfg.Peers {
		if err = b.connect(peer); err != nil {
			b.pub.Close()
			b.sub.Close()
			return nil, errors.Trace(err)
		}
	}

	b.wg.Add(2)
	go b.sendLoop()
	go b.receiveLoop()

	return b, nil
}

// Endpoint returns the endpoint the publisher is bound to, with wildcards resolved.
func (b *Bus) Endpoint() string {
	return b.endpoint
}

// Connect subscribes to the publisher of another node.
func (b *Bus) Connect(endpoint string) error {
	req := connectRequest{endpoint: endpoint, result: make(chan error, 1)}
	select {
	case b.connects <- req:
	case <-b.stop:
		return errors.Trace(bus.ErrClosed)
	}
	return <-req.result
}

func (b *Bus) Publish(topic string, msg *message.Message) error {
	payload, err := pb.Marshal(b.envelope(topic, msg))
	if err != nil {
		return errors.Annotate(err, "encoding bus message")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Trace(bus.ErrClosed)
	}
	if !b.backlog.Push(outbound{topic: topic, payload: payload}) {
		b.mu.Unlock()
		log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: backlog full, dropping message on", topic)
		return errors.Trace(ErrBacklogFull)
	}
	if b.backlog.Len() > int(0.8*float64(b.backlog.Cap())) {
		log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: backlog is now at more than 80% fullness (len/cap)",
			b.backlog.Len(), b.backlog.Cap())
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}

	own := msg.Copy()
	own.Origin = b.cfg.ServerName
	return errors.Trace(b.local.Publish(topic, own))
}

func (b *Bus) Subscribe(topic string, handler bus.Handler) (func(), error) {
	return b.local.Subscribe(topic, handler)
}

// Close stops both goroutines and closes the sockets. Messages still in the
// backlog are sent before the publisher closes.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()

	err := multierr.Combine(
		b.sub.Close(),
		b.pub.Close(),
		b.local.Close(),
	)
	b.cfg.Publisher.StopManager()
	return errors.Trace(err)
}

func (b *Bus) envelope(topic string, msg *message.Message) *proto.BusMessage {
	return &proto.BusMessage{
		Topic:              topic,
		Action:             msg.Action,
		Data:               msg.Data,
		Raw:                msg.Raw,
		OriginalTopic:      msg.OriginalTopic,
		RemotePrivateTopic: msg.RemotePrivateTopic,
		Origin:             b.cfg.ServerName,
	}
}

func fromEnvelope(env *proto.BusMessage) *message.Message {
	return &message.Message{
		Topic:              env.Topic,
		Action:             env.Action,
		Data:               env.Data,
		Raw:                env.Raw,
		OriginalTopic:      env.OriginalTopic,
		RemotePrivateTopic: env.RemotePrivateTopic,
		Origin:             env.Origin,
	}
}

// Only called from New and the receiving goroutine, which own the SUB socket.
func (b *Bus) connect(endpoint string) error {
	if err := b.cfg.Subscriber.ApplyToSubscriberSocket(b.sub, endpoint); err != nil {
		return errors.Trace(err)
	}
	log.Log(log.LOGLEVEL_INFO, "zmqbus: subscribing to", endpoint)
	return errors.Annotatef(b.sub.Connect(endpoint), "connecting to %s", endpoint)
}

func (b *Bus) popOutbound() (outbound, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backlog.Pop()
}

func (b *Bus) sendLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.wake:
			b.flush()
		case <-b.stop:
			b.flush()
			return
		}
	}
}

func (b *Bus) flush() {
	for {
		out, ok := b.popOutbound()
		if !ok {
			return
		}
		if _, err := b.pub.SendMessage(out.topic, out.payload); err != nil {
			log.Log(log.LOGLEVEL_ERRORS, "zmqbus: error when publishing on", out.topic+":", err.Error())
		}
	}
}

func (b *Bus) receiveLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.stop:
			return
		case req := <-b.connects:
			req.result <- b.connect(req.endpoint)
			continue
		default:
		}

		// [topic, envelope]
		frames, err := b.sub.RecvMessageBytes(0)

		if err != nil {
			if zmq.AsErrno(err) != zmq.Errno(syscall.EAGAIN) {
				log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: error when receiving:", err.Error())
			}
			continue
		}

		if len(frames) != 2 {
			log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: dropped message with", len(frames), "frames")
			continue
		}

		env := new(proto.BusMessage)
		if err = pb.Unmarshal(frames[1], env); err != nil {
			log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: dropped message; could not decode protobuf:", err.Error())
			continue
		}

		if env.Origin == b.cfg.ServerName {
			continue
		}

		if log.IsLoggingEnabled(log.LOGLEVEL_DEBUG) {
			log.Logf(log.LOGLEVEL_DEBUG, "zmqbus: received %s|%s from %s", env.Topic, env.Action, env.Origin)
		}

		if err = b.local.Publish(env.Topic, fromEnvelope(env)); err != nil {
			log.Log(log.LOGLEVEL_WARNINGS, "zmqbus: local delivery failed:", err.Error())
		}
	}
}
