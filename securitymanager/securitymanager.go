package securitymanager

import (
	"github.com/juju/errors"
	"github.com/pebbe/zmq4"
)

const DONOTWRITE = "___donotwrite_key_to_file"
const DONOTREAD = "___donotread_key_from_file"
const BUS_DOMAIN = "rtrpc.bus"

// This module manages CURVE keys for the cluster bus. It is built after the API calls
// as shown in the Iron House example of ZeroMQs CURVE security documentation:
// every node's PUB socket is a CURVE server, every SUB socket a CURVE client of all peers.

// A PublisherSecurityManager secures the PUB socket a node binds.
// It enables CURVE encryption and authentication of subscribing nodes
// and (additionally - on top of that) IP authentication.
type PublisherSecurityManager struct {
	*keyWriteLoader
	// Z85 keys
	allowed_subscriber_keys []string

	// Only set one of both!
	allowed_addresses []string
	denied_addresses  []string
}

// Set up key manager and generate new key pair.
func NewPublisherSecurityManager() (*PublisherSecurityManager, error) {
	mgr := &PublisherSecurityManager{keyWriteLoader: new(keyWriteLoader)}
	var err error

	mgr.public, mgr.private, err = zmq4.NewCurveKeypair()

	if err != nil {
		return nil, errors.Annotate(err, "generating curve key pair")
	}

	return mgr, nil
}

// Apply the internal keys to the publishing socket.
// This must be called before applying Bind() on the socket!
// Safe to call on a nil manager (nothing happens in that case)
func (mgr *PublisherSecurityManager) ApplyToPublisherSocket(sock *zmq4.Socket) error {
	if mgr == nil {
		return nil
	}

	if mgr.private == "" || mgr.public == "" {
		return errors.New("incomplete initialization: no key(s)")
	}

	t, err := sock.GetType()

	if err != nil {
		return errors.Trace(err)
	} else if t != zmq4.PUB && t != zmq4.XPUB {
		return errors.NotValidf("socket type %v (not PUB, XPUB)", t)
	}
	// start in any case (returns error if already running, ignore that)
	zmq4.AuthStart()

	if mgr.allowed_addresses != nil {
		// We can use a static string because this is the only bus in the process
		zmq4.AuthAllow(BUS_DOMAIN, mgr.allowed_addresses...)
	} else if mgr.denied_addresses != nil {
		zmq4.AuthDeny(BUS_DOMAIN, mgr.denied_addresses...)
	}

	if mgr.allowed_subscriber_keys != nil {
		zmq4.AuthCurveAdd(BUS_DOMAIN, mgr.allowed_subscriber_keys...)
	} else {
		// Make it open
		zmq4.AuthCurveAdd(BUS_DOMAIN, zmq4.CURVE_ALLOW_ANY)
	}

	return errors.Trace(sock.ServerAuthCurve(BUS_DOMAIN, mgr.private))
}

// Tear down all resources associated with authentication
func (mgr *PublisherSecurityManager) StopManager() {
	if mgr != nil {
		zmq4.AuthStop()
	}
}

// Set the public and private keys of the publisher.
func (mgr *PublisherSecurityManager) SetKeys(public, private string) {
	mgr.public, mgr.private = public, private
}

// Returns the public key of the publisher.
func (mgr *PublisherSecurityManager) GetPublicKey() string {
	return mgr.public
}

// Add keys of subscribing nodes that are accepted.
func (mgr *PublisherSecurityManager) AddSubscriberKeys(keys ...string) {
	mgr.allowed_subscriber_keys = append(mgr.allowed_subscriber_keys, keys...)
}

// Remove all subscribers from the whitelist, effectively enforcing an OPEN policy
func (mgr *PublisherSecurityManager) ResetSubscriberKeys() {
	mgr.allowed_subscriber_keys = nil
}

// Remove all addresses from the black- and whitelist, effectively enforcing an OPEN policy
func (mgr *PublisherSecurityManager) ResetBlackWhiteLists() {
	mgr.allowed_addresses = nil
	mgr.denied_addresses = nil
}

// Add nodes (IP addresses or ranges) to the whitelist. A whitelist is mutually exclusive with a blacklist, meaning
// that all blacklisted addresses are removed when calling this function.
func (mgr *PublisherSecurityManager) WhitelistAddresses(addrs ...string) {
	mgr.denied_addresses = nil
	mgr.allowed_addresses = append(mgr.allowed_addresses, addrs...)
}

// Add nodes (IP addresses or ranges) to the blacklist. A blacklist is mutually exclusive with a
// whitelist, meaning that all whitelisted addresses are removed when calling this function.
func (mgr *PublisherSecurityManager) BlacklistAddresses(addrs ...string) {
	mgr.allowed_addresses = nil
	mgr.denied_addresses = append(mgr.denied_addresses, addrs...)
}
