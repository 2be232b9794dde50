package rpc

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DEFAULT_ACK_TIMEOUT            = time.Second
	DEFAULT_RESPONSE_TIMEOUT       = 10 * time.Second
	DEFAULT_PROVIDER_QUERY_TIMEOUT = time.Second
	DEFAULT_PROVIDER_CACHE_TTL     = 5 * time.Second
	DEFAULT_PROVIDER_CACHE_SIZE    = 1024
)

type Config struct {
	// Name of this node; its private topic is PRIVATE/<ServerName>.
	ServerName string

	// How long a provider has to acknowledge a request.
	AckTimeout time.Duration
	// How long a provider has to respond, counted from the request.
	ResponseTimeout time.Duration
	// How long to wait for another node to announce a provider.
	ProviderQueryTimeout time.Duration
	// How long a remote provider announcement is remembered. Negative disables
	// the cache.
	ProviderCacheTTL  time.Duration
	ProviderCacheSize int

	// Defaults to the wall clock.
	Clock clock.Clock
	// Metrics are registered here if not nil.
	Registerer prometheus.Registerer
}

func (cfg Config) Validate() error {
	if cfg.ServerName == "" {
		return errors.NotValidf("empty server name")
	}
	if cfg.AckTimeout < 0 || cfg.ResponseTimeout < 0 || cfg.ProviderQueryTimeout < 0 {
		return errors.NotValidf("negative timeout")
	}
	if cfg.ProviderCacheSize < 0 {
		return errors.NotValidf("provider cache size %d", cfg.ProviderCacheSize)
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DEFAULT_ACK_TIMEOUT
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DEFAULT_RESPONSE_TIMEOUT
	}
	if cfg.ProviderQueryTimeout == 0 {
		cfg.ProviderQueryTimeout = DEFAULT_PROVIDER_QUERY_TIMEOUT
	}
	if cfg.ProviderCacheTTL == 0 {
		cfg.ProviderCacheTTL = DEFAULT_PROVIDER_CACHE_TTL
	}
	if cfg.ProviderCacheSize == 0 {
		cfg.ProviderCacheSize = DEFAULT_PROVIDER_CACHE_SIZE
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return cfg
}
