package rpc

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	routeLocal  = "local"
	routeRemote = "remote"

	timeoutAck       = "ack"
	timeoutResponse  = "response"
	timeoutDiscovery = "discovery"
)

type metrics struct {
	requests  *prometheus.CounterVec
	acks      prometheus.Counter
	responses prometheus.Counter
	errors    *prometheus.CounterVec
	timeouts  *prometheus.CounterVec
	inFlight  prometheus.Gauge
	providers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests routed to a provider, by route.",
		}, []string{"route"}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "acks_total",
			Help:      "Acknowledgements forwarded to requesters.",
		}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "responses_total",
			Help:      "Responses forwarded to requesters.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Error messages sent, by error code.",
		}, []string{"code"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "timeouts_total",
			Help:      "Expired ack, response and discovery timers.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Calls waiting for a response.",
		}),
		providers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtrpc",
			Subsystem: "rpc",
			Name:      "providers",
			Help:      "Local provider subscriptions.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.acks, m.responses, m.errors, m.timeouts, m.inFlight, m.providers} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "registering rpc metrics")
		}
	}
	return m, nil
}
