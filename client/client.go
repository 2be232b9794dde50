/*
Package client connects to an rtrpc server over a websocket, provides rpcs to
the cluster and calls rpcs provided elsewhere.

	cl, err := client.Dial(ctx, "ws://localhost:6020/deepstream", nil)
	...
	cl.Provide(ctx, "addTwo", func(r *client.Request) {
		r.Respond("12")
	})
	result, err := cl.Make(ctx, "addTwo", `{"numA":5,"numB":7}`)
*/
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/message"
)

const writeWait = 10 * time.Second

type result struct {
	data string
	err  error
}

// A client connection. All methods are safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	params RequestParams

	// gorilla/websocket allows one writer at a time.
	write_lock sync.Mutex

	mu        sync.Mutex
	closed    bool
	providers map[string]ProviderFunc
	// "S|name" or "US|name" -> waiting Provide/Unprovide
	sub_acks map[string]chan struct{}
	// "name|correlation id" -> waiting Make
	calls map[string]chan result

	done chan struct{}
}

// Dial connects to the websocket endpoint at url. params are the defaults for
// Make and may be nil.
func Dial(ctx context.Context, url string, params *RequestParams) (*Client, error) {
	if params == nil {
		params = NewParams()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", url)
	}

	c := &Client{
		ws:        ws,
		params:    *params,
		providers: make(map[string]ProviderFunc),
		sub_acks:  make(map[string]chan struct{}),
		calls:     make(map[string]chan result),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Provide registers f as provider of name and waits for the server to confirm.
func (c *Client) Provide(ctx context.Context, name string, f ProviderFunc) error {
	c.mu.Lock()
	if _, ok := c.providers[name]; ok {
		c.mu.Unlock()
		return errors.AlreadyExistsf("provider for %s", name)
	}
	c.providers[name] = f
	c.mu.Unlock()

	if err := c.subscribe(ctx, message.ActionSubscribe, name); err != nil {
		c.mu.Lock()
		delete(c.providers, name)
		c.mu.Unlock()
		return errors.Trace(err)
	}
	return nil
}

// Unprovide stops providing name.
func (c *Client) Unprovide(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.providers[name]; !ok {
		c.mu.Unlock()
		return errors.NotFoundf("provider for %s", name)
	}
	delete(c.providers, name)
	c.mu.Unlock()

	return errors.Trace(c.subscribe(ctx, message.ActionUnsubscribe, name))
}

func (c *Client) subscribe(ctx context.Context, action, name string) error {
	key := action + "|" + name
	ack := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Trace(ErrClosed)
	}
	c.sub_acks[key] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sub_acks, key)
		c.mu.Unlock()
	}()

	if err := c.send(message.Build(message.TopicRPC, action, name)); err != nil {
		return errors.Trace(err)
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-c.done:
		return errors.Trace(ErrClosed)
	}
}

// Make calls name with args and returns the response data. Failed calls return
// a *RequestError; calls nobody provides are retried as set in the params.
func (c *Client) Make(ctx context.Context, name, args string) (string, error) {
	return c.MakeWithParams(ctx, name, args, &c.params)
}

func (c *Client) MakeWithParams(ctx context.Context, name, args string, params *RequestParams) (string, error) {
	for attempt := uint(0); ; attempt++ {
		data, err := c.makeOnce(ctx, name, args, params)

		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.Code != message.CodeNoRpcProvider || attempt >= params.retries {
			return data, err
		}

		log.Log(log.LOGLEVEL_INFO, "No provider for", name+"; retrying")
		select {
		case <-params.clock.After(params.retry_delay):
		case <-ctx.Done():
			return "", errors.Trace(ctx.Err())
		}
	}
}

func (c *Client) makeOnce(ctx context.Context, name, args string, params *RequestParams) (string, error) {
	cid := uuid.NewString()
	key := name + "|" + cid
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.Trace(ErrClosed)
	}
	c.calls[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
	}()

	if err := c.send(message.Build(message.TopicRPC, message.ActionRequest, name, cid, args)); err != nil {
		return "", errors.Trace(err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-params.clock.After(params.timeout):
		return "", &RequestError{Code: CodeClientTimeout, Message: name}
	case <-ctx.Done():
		return "", errors.Trace(ctx.Err())
	case <-c.done:
		return "", errors.Trace(ErrClosed)
	}
}

// Close closes the connection. Waiting calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.write_lock.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.write_lock.Unlock()

	return errors.Trace(c.ws.Close())
}

func (c *Client) send(raw string) error {
	c.write_lock.Lock()
	defer c.write_lock.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return errors.Trace(c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}
