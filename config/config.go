// Package config reads the YAML configuration of a server node.
package config

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/dermesser/rtrpc/bus/zmqbus"
	"github.com/dermesser/rtrpc/log"
	"github.com/dermesser/rtrpc/rpc"
	smgr "github.com/dermesser/rtrpc/securitymanager"
	"github.com/dermesser/rtrpc/server"
)

const (
	BusLocal = "local"
	BusZmq   = "zmq"

	DEFAULT_LISTEN  = ":6020"
	DEFAULT_PUBLISH = "tcp://*:6021"
)

type Config struct {
	// Defaults to a random UUID. Must be unique in the cluster.
	ServerName    string `yaml:"serverName"`
	Listen        string `yaml:"listen"`
	WebsocketPath string `yaml:"websocketPath"`
	// none, error, warning, info or debug
	LogLevel string    `yaml:"logLevel"`
	Bus      BusConfig `yaml:"bus"`
	Rpc      RpcConfig `yaml:"rpc"`
}

type BusConfig struct {
	// local or zmq
	Kind    string       `yaml:"kind"`
	Publish string       `yaml:"publish"`
	Peers   []string     `yaml:"peers"`
	Backlog int          `yaml:"backlog"`
	Curve   *CurveConfig `yaml:"curve"`
}

// CurveConfig enables encryption of the ZeroMQ bus. Every node has one key
// pair, used for its publisher and its subscriber.
type CurveConfig struct {
	PublicKeyFile  string `yaml:"publicKeyFile"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
	// peer endpoint -> file with the peer's public key
	PeerPublicKeyFiles map[string]string `yaml:"peerPublicKeyFiles"`
}

type RpcConfig struct {
	AckTimeout           time.Duration `yaml:"ackTimeout"`
	ResponseTimeout      time.Duration `yaml:"responseTimeout"`
	ProviderQueryTimeout time.Duration `yaml:"providerQueryTimeout"`
	ProviderCacheTTL     time.Duration `yaml:"providerCacheTTL"`
	ProviderCacheSize    int           `yaml:"providerCacheSize"`
}

// Default returns the configuration used for everything the file leaves out.
func Default() *Config {
	return &Config{
		ServerName:    uuid.NewString(),
		Listen:        DEFAULT_LISTEN,
		WebsocketPath: server.DEFAULT_WEBSOCKET_PATH,
		LogLevel:      "info",
		Bus: BusConfig{
			Kind:    BusLocal,
			Publish: DEFAULT_PUBLISH,
			Backlog: zmqbus.DEFAULT_BACKLOG,
		},
		Rpc: RpcConfig{
			AckTimeout:           rpc.DEFAULT_ACK_TIMEOUT,
			ResponseTimeout:      rpc.DEFAULT_RESPONSE_TIMEOUT,
			ProviderQueryTimeout: rpc.DEFAULT_PROVIDER_QUERY_TIMEOUT,
			ProviderCacheTTL:     rpc.DEFAULT_PROVIDER_CACHE_TTL,
			ProviderCacheSize:    rpc.DEFAULT_PROVIDER_CACHE_SIZE,
		},
	}
}

// Load reads the file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %s", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config %s", path)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotate(err, "decoding yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.NotValidf("empty serverName")
	}
	if c.Listen == "" {
		return errors.NotValidf("empty listen address")
	}
	if _, err := log.ParseLoglevel(c.LogLevel); err != nil {
		return errors.Trace(err)
	}

	switch c.Bus.Kind {
	case BusLocal:
	case BusZmq:
		if c.Bus.Publish == "" {
			return errors.NotValidf("zmq bus without publish endpoint")
		}
		if c.Bus.Backlog < 0 {
			return errors.NotValidf("bus backlog %d", c.Bus.Backlog)
		}
		if cv := c.Bus.Curve; cv != nil {
			if cv.PublicKeyFile == "" || cv.PrivateKeyFile == "" {
				return errors.NotValidf("curve config without key files")
			}
			for _, peer := range c.Bus.Peers {
				if _, ok := cv.PeerPublicKeyFiles[peer]; !ok {
					return errors.NotValidf("curve config without key of peer %s", peer)
				}
			}
		}
	default:
		return errors.NotValidf("bus kind %q", c.Bus.Kind)
	}

	if c.Rpc.AckTimeout <= 0 || c.Rpc.ResponseTimeout <= 0 || c.Rpc.ProviderQueryTimeout <= 0 {
		return errors.NotValidf("non-positive rpc timeout")
	}
	return nil
}

// Loglevel returns the LOGLEVEL_* constant named by LogLevel.
func (c *Config) Loglevel() int {
	ll, _ := log.ParseLoglevel(c.LogLevel)
	return ll
}

// HandlerConfig returns the settings of the rpc handler.
func (c *Config) HandlerConfig() rpc.Config {
	return rpc.Config{
		ServerName:           c.ServerName,
		AckTimeout:           c.Rpc.AckTimeout,
		ResponseTimeout:      c.Rpc.ResponseTimeout,
		ProviderQueryTimeout: c.Rpc.ProviderQueryTimeout,
		ProviderCacheTTL:     c.Rpc.ProviderCacheTTL,
		ProviderCacheSize:    c.Rpc.ProviderCacheSize,
	}
}

func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Listen:        c.Listen,
		WebsocketPath: c.WebsocketPath,
	}
}

// ZmqConfig returns the settings of the ZeroMQ bus, with the CURVE keys loaded
// if encryption is configured.
func (c *Config) ZmqConfig() (zmqbus.Config, error) {
	zc := zmqbus.Config{
		ServerName: c.ServerName,
		Publish:    c.Bus.Publish,
		Peers:      c.Bus.Peers,
		Backlog:    c.Bus.Backlog,
	}

	cv := c.Bus.Curve
	if cv == nil {
		return zc, nil
	}

	pub, err := smgr.NewPublisherSecurityManager()
	if err != nil {
		return zc, errors.Trace(err)
	}
	if err := pub.LoadKeys(cv.PublicKeyFile, cv.PrivateKeyFile); err != nil {
		return zc, errors.Trace(err)
	}

	sub, err := smgr.NewSubscriberSecurityManager()
	if err != nil {
		return zc, errors.Trace(err)
	}
	if err := sub.LoadKeys(cv.PublicKeyFile, cv.PrivateKeyFile); err != nil {
		return zc, errors.Trace(err)
	}

	for endpoint, file := range cv.PeerPublicKeyFiles {
		if err := sub.LoadPeerPubkey(endpoint, file); err != nil {
			return zc, errors.Trace(err)
		}
	}
	// Peers subscribe with the same key they publish with.
	pub.AddSubscriberKeys(sub.PeerPubkeys()...)

	zc.Publisher, zc.Subscriber = pub, sub
	return zc, nil
}
