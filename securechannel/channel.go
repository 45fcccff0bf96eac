// Package securechannel establishes authenticated, encrypted sessions
// between two nodes over any route. Each side of a channel is a pair of
// workers: an encryptor that seals local messages for the peer and a
// decryptor that opens the peer's messages and routes them locally.
package securechannel

import (
	"errors"

	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
)

var (
	// ErrDuplicateChannel is returned when a channel's encryptor address is
	// already registered.
	ErrDuplicateChannel = errors.New("secure channel already registered")

	// ErrChannelNotFound is returned for unknown encryptor addresses.
	ErrChannelNotFound = errors.New("secure channel not found")

	// ErrHandshakeFailed is returned when the peer's handshake response is
	// malformed or does not authenticate.
	ErrHandshakeFailed = errors.New("secure channel handshake failed")

	// ErrHandshakeTimeout is returned when no handshake response arrives
	// in time.
	ErrHandshakeTimeout = errors.New("secure channel handshake timed out")

	// ErrUnauthorizedIdentifier is returned when the peer's identifier is
	// not in the allowlist.
	ErrUnauthorizedIdentifier = errors.New("identifier not authorized")
)

// Channel is the local handle of an established secure channel.
type Channel struct {
	encryptor   core.Address
	decryptor   core.Address
	remoteRoute core.Route
	localID     crypt.Identifier
	remoteID    crypt.Identifier
	flowID      core.FlowControlID
	// inboundFlowID is the flow the responder's decryptor was admitted on
	inboundFlowID core.FlowControlID
	initiator     bool
}

// EncryptorAddress returns the local address messages for the peer are
// sent to. It is the channel's key in the registry.
func (c *Channel) EncryptorAddress() core.Address {
	return c.encryptor
}

// DecryptorAddress returns the local address that receives the peer's
// ciphertext.
func (c *Channel) DecryptorAddress() core.Address {
	return c.decryptor
}

// RemoteRoute returns the route to the peer's decryptor.
func (c *Channel) RemoteRoute() core.Route {
	return c.remoteRoute.Clone()
}

// LocalIdentifier returns the identifier this side authenticated as.
func (c *Channel) LocalIdentifier() crypt.Identifier {
	return c.localID
}

// RemoteIdentifier returns the authenticated identifier of the peer.
func (c *Channel) RemoteIdentifier() crypt.Identifier {
	return c.remoteID
}

// FlowControlID returns the flow the decryptor tags its output with.
func (c *Channel) FlowControlID() core.FlowControlID {
	return c.flowID
}

// InboundFlowControlID returns the flow the peer's ciphertext arrives
// through on the responder side, or "" when none was granted.
func (c *Channel) InboundFlowControlID() core.FlowControlID {
	return c.inboundFlowID
}

// IsInitiator reports whether this side started the handshake.
func (c *Channel) IsInitiator() bool {
	return c.initiator
}

// Authorizes reports whether id is allowed by allowlist. An empty
// allowlist allows every authenticated peer.
func Authorizes(allowlist []crypt.Identifier, id crypt.Identifier) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == id {
			return true
		}
	}
	return false
}
