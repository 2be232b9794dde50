package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dermesser/rtrpc/log"
	smgr "github.com/dermesser/rtrpc/securitymanager"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.ServerName)
	assert.NotEqual(t, cfg.ServerName, Default().ServerName)
	assert.Equal(t, ":6020", cfg.Listen)
	assert.Equal(t, "/deepstream", cfg.WebsocketPath)
	assert.Equal(t, BusLocal, cfg.Bus.Kind)
	assert.Equal(t, time.Second, cfg.Rpc.AckTimeout)
	assert.Equal(t, 10*time.Second, cfg.Rpc.ResponseTimeout)
	assert.Equal(t, log.LOGLEVEL_INFO, cfg.Loglevel())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
serverName: node-a
listen: 127.0.0.1:7000
logLevel: debug
bus:
  kind: zmq
  publish: tcp://*:7001
  peers: [tcp://10.0.0.2:7001, tcp://10.0.0.3:7001]
rpc:
  ackTimeout: 500ms
  providerCacheTTL: -1s
`))
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.ServerName)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, log.LOGLEVEL_DEBUG, cfg.Loglevel())
	assert.Equal(t, []string{"tcp://10.0.0.2:7001", "tcp://10.0.0.3:7001"}, cfg.Bus.Peers)

	hc := cfg.HandlerConfig()
	assert.Equal(t, "node-a", hc.ServerName)
	assert.Equal(t, 500*time.Millisecond, hc.AckTimeout)
	assert.Equal(t, 10*time.Second, hc.ResponseTimeout)
	assert.Equal(t, -time.Second, hc.ProviderCacheTTL)

	zc, err := cfg.ZmqConfig()
	require.NoError(t, err)
	assert.Equal(t, "tcp://*:7001", zc.Publish)
	assert.Nil(t, zc.Publisher)
	assert.Nil(t, zc.Subscriber)

	sc := cfg.ServerConfig()
	assert.Equal(t, "127.0.0.1:7000", sc.Listen)
}

func TestInvalid(t *testing.T) {
	for _, doc := range []string{
		`serverName: ""`,
		`logLevel: loud`,
		`bus: {kind: carrier-pigeon}`,
		`bus: {kind: zmq, publish: ""}`,
		`rpc: {ackTimeout: 0s}`,
		`bus: {kind: zmq, peers: [tcp://10.0.0.2:7001], curve: {publicKeyFile: a, privateKeyFile: b}}`,
	} {
		_, err := Parse([]byte(doc))
		assert.True(t, errors.Is(err, errors.NotValid), "%s: %v", doc, err)
	}

	_, err := Parse([]byte("listen: [unclosed"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestCurveKeys(t *testing.T) {
	dir := t.TempDir()
	pubFile, privFile := filepath.Join(dir, "node.pub"), filepath.Join(dir, "node.key")
	peerFile := filepath.Join(dir, "peer.pub")

	own, err := smgr.NewPublisherSecurityManager()
	require.NoError(t, err)
	require.NoError(t, own.WriteKeys(pubFile, privFile))
	peer, err := smgr.NewPublisherSecurityManager()
	require.NoError(t, err)
	require.NoError(t, peer.WriteKeys(peerFile, smgr.DONOTWRITE))

	path := filepath.Join(dir, "rtrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serverName: node-a
bus:
  kind: zmq
  peers: [tcp://10.0.0.2:6021]
  curve:
    publicKeyFile: `+pubFile+`
    privateKeyFile: `+privFile+`
    peerPublicKeyFiles:
      tcp://10.0.0.2:6021: `+peerFile+`
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	zc, err := cfg.ZmqConfig()
	require.NoError(t, err)
	require.NotNil(t, zc.Publisher)
	require.NotNil(t, zc.Subscriber)
	assert.Equal(t, own.GetPublicKey(), zc.Publisher.GetPublicKey())
	assert.Equal(t, own.GetPublicKey(), zc.Subscriber.GetPublicKey())
	assert.Equal(t, []string{peer.GetPublicKey()}, zc.Subscriber.PeerPubkeys())
}
