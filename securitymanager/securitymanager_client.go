package securitymanager

import (
	"github.com/juju/errors"
	"github.com/pebbe/zmq4"
)

// SubscriberSecurityManager manages encryption for the SUB socket of a node, which connects
// to the PUB sockets of all peers. Every peer endpoint has its own server key.
type SubscriberSecurityManager struct {
	// Provides LoadKeys/WriteKeys functionality
	*keyWriteLoader
	// endpoint -> public key of the peer publishing there
	peerKeys map[string]string
}

// NewSubscriberSecurityManager sets up the manager and generates a new key pair.
//
// In order to connect to a peer, the peer's public key must be added before connecting.
// Otherwise, the connection will not succeed.
func NewSubscriberSecurityManager() (*SubscriberSecurityManager, error) {
	mgr := &SubscriberSecurityManager{keyWriteLoader: new(keyWriteLoader), peerKeys: make(map[string]string)}
	var err error

	mgr.public, mgr.private, err = zmq4.NewCurveKeypair()

	if err != nil {
		return nil, errors.Annotate(err, "generating curve key pair")
	}

	return mgr, nil
}

// ApplyToSubscriberSocket sets up the socket for a CURVE connection to the peer at endpoint.
// If called on nil, does nothing. This function must be called right before calling Connect() on
// the socket, once per endpoint!
func (mgr *SubscriberSecurityManager) ApplyToSubscriberSocket(sock *zmq4.Socket, endpoint string) error {
	if mgr == nil {
		return nil
	}

	peer, ok := mgr.peerKeys[endpoint]
	if !ok {
		return errors.NotFoundf("public key of peer %s", endpoint)
	}
	if mgr.public == "" || mgr.private == "" {
		return errors.New("incomplete initialization: no key pair")
	}

	t, err := sock.GetType()

	if err != nil {
		return errors.Trace(err)
	} else if t != zmq4.SUB && t != zmq4.XSUB {
		return errors.NotValidf("socket type %v (not SUB, XSUB)", t)
	}

	return errors.Trace(sock.ClientAuthCurve(peer, mgr.public, mgr.private))
}

// SetPeerPubkey sets the public key of the peer publishing at endpoint.
func (mgr *SubscriberSecurityManager) SetPeerPubkey(endpoint, key string) {
	mgr.peerKeys[endpoint] = key
}

// LoadPeerPubkey loads the public key of the peer publishing at endpoint from keyfile.
func (mgr *SubscriberSecurityManager) LoadPeerPubkey(endpoint, keyfile string) error {
	kwl := new(keyWriteLoader)

	if err := kwl.LoadKeys(keyfile, DONOTREAD); err != nil {
		return errors.Annotatef(err, "loading key of peer %s", endpoint)
	}

	mgr.peerKeys[endpoint] = kwl.public
	return nil
}

// SetKeys sets the key pair of this node.
func (mgr *SubscriberSecurityManager) SetKeys(public, private string) {
	mgr.public, mgr.private = public, private
}

func (mgr *SubscriberSecurityManager) GetPublicKey() string {
	return mgr.public
}

// PeerPubkeys returns the public keys of all known peers.
func (mgr *SubscriberSecurityManager) PeerPubkeys() []string {
	keys := make([]string, 0, len(mgr.peerKeys))
	for _, k := range mgr.peerKeys {
		keys = append(keys, k)
	}
	return keys
}
