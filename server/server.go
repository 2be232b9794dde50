/*
Package server accepts client connections over websockets and hands their
messages to the topic handlers registered with a Distributor.

Besides the websocket endpoint, the HTTP server answers health checks on
/health and, if configured, serves Prometheus metrics on /metrics.
*/
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/dermesser/rtrpc/log"
)

const (
	DEFAULT_WEBSOCKET_PATH = "/deepstream"
	DEFAULT_SEND_BUFFER    = 256
)

type Config struct {
	// Address to listen on, e.g. ":6020".
	Listen        string
	WebsocketPath string
	// Outbound messages queued per connection.
	SendBuffer int

	// Metrics are registered here if not nil.
	Registerer prometheus.Registerer
	// /metrics serves this if not nil.
	Gatherer prometheus.Gatherer
}

/*
Accepts websocket connections and feeds their frames to a Distributor.
*/
type Server struct {
	cfg         Config
	distributor *Distributor
	upgrader    websocket.Upgrader
	http        *http.Server
	listener    net.Listener

	lock  sync.Mutex
	conns map[string]*Conn
	// Respond "no" to healthchecks
	lameduck_state bool
	// Do not accept connections anymore
	loadshed_state bool

	connections prometheus.Gauge
}

func NewServer(cfg Config, d *Distributor) (*Server, error) {
	if cfg.WebsocketPath == "" {
		cfg.WebsocketPath = DEFAULT_WEBSOCKET_PATH
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DEFAULT_SEND_BUFFER
	}

	srv := &Server{
		cfg:         cfg,
		distributor: d,
		conns:       make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication, so no reason to check the origin either.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtrpc",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
	}

	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(srv.connections); err != nil {
			return nil, errors.Annotate(err, "registering server metrics")
		}
	}

	srv.http = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// Handler returns the HTTP handler serving all endpoints.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(srv.cfg.WebsocketPath, srv.serveWebsocket)
	mux.HandleFunc("/health", srv.serveHealth)
	if srv.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(srv.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured address and serves in the background.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.cfg.Listen)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", srv.cfg.Listen)
	}
	srv.listener = ln
	log.Log(log.LOGLEVEL_INFO, "Accepting connections on", ln.Addr().String()+srv.cfg.WebsocketPath)

	go func() {
		if err := srv.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Log(log.LOGLEVEL_ERRORS, "HTTP server failed:", err.Error())
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (srv *Server) Addr() string {
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

// Stop stops accepting connections and closes all open ones.
func (srv *Server) Stop(ctx context.Context) error {
	err := srv.http.Shutdown(ctx)

	srv.lock.Lock()
	conns := make([]*Conn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.lock.Unlock()

	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return errors.Trace(err)
}

/*
A server that is in lameduck mode will respond negatively to health checks
but continue serving connections.
*/
func (srv *Server) SetLameduck(lameduck bool) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	srv.lameduck_state = lameduck
}

/*
A server in loadshed mode will refuse new connections immediately.
*/
func (srv *Server) SetLoadshed(loadshed bool) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	srv.loadshed_state = loadshed
}

// ConnectionCount returns the number of open client connections.
func (srv *Server) ConnectionCount() int {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return len(srv.conns)
}

func (srv *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	srv.lock.Lock()
	loadshed := srv.loadshed_state
	srv.lock.Unlock()

	if loadshed {
		http.Error(w, "loadshed mode", http.StatusServiceUnavailable)
		return
	}

	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		log.Log(log.LOGLEVEL_WARNINGS, "Websocket upgrade from", r.RemoteAddr, "failed:", err.Error())
		return
	}

	c := newConn(ws, srv.cfg.SendBuffer)
	srv.lock.Lock()
	srv.conns[c.id] = c
	srv.connections.Set(float64(len(srv.conns)))
	srv.lock.Unlock()

	c.OnClose(func() {
		srv.lock.Lock()
		delete(srv.conns, c.id)
		srv.connections.Set(float64(len(srv.conns)))
		srv.lock.Unlock()
		log.Log(log.LOGLEVEL_INFO, "Connection", c.id, "from", r.RemoteAddr, "closed")
	})

	log.Log(log.LOGLEVEL_INFO, "Connection", c.id, "from", r.RemoteAddr)
	go c.writeLoop()
	go c.readLoop(srv.distributor)
}
