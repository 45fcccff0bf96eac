package core

import (
	"fmt"
	"strings"
)

// Address identifies an actor on a node. Local addresses are plain
// strings. Addresses that must be resolved by a transport carry a
// transport prefix, e.g. "tcp#127.0.0.1:4000".
type Address string

// transportSeparator splits the transport type from the transport value.
const transportSeparator = "#"

// NewTransportAddress builds an address resolved by the given transport.
func NewTransportAddress(transport, value string) Address {
	return Address(transport + transportSeparator + value)
}

// Transport returns the transport type of the address, or "" for a
// local address.
func (a Address) Transport() string {
	if i := strings.Index(string(a), transportSeparator); i > 0 {
		return string(a)[:i]
	}
	return ""
}

// Value returns the address without its transport prefix.
func (a Address) Value() string {
	if i := strings.Index(string(a), transportSeparator); i > 0 {
		return string(a)[i+len(transportSeparator):]
	}
	return string(a)
}

// IsLocal reports whether the address is resolved by the local router.
func (a Address) IsLocal() bool {
	return a.Transport() == ""
}

// String returns the string representation of the address.
func (a Address) String() string {
	return string(a)
}

// Route is an ordered list of addresses. The first element is the next
// hop to resolve.
type Route []Address

// NewRoute builds a route from the given addresses.
func NewRoute(addrs ...Address) Route {
	r := make(Route, len(addrs))
	copy(r, addrs)
	return r
}

// ParseRoute parses a route written as "a => b => c".
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Route{}, nil
	}
	parts := strings.Split(s, "=>")
	r := make(Route, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("invalid route %q: empty hop", s)
		}
		r = append(r, Address(p))
	}
	return r, nil
}

// Next returns the next hop.
func (r Route) Next() (Address, bool) {
	if len(r) == 0 {
		return "", false
	}
	return r[0], true
}

// Step returns the next hop and the remaining route.
func (r Route) Step() (Address, Route, bool) {
	if len(r) == 0 {
		return "", nil, false
	}
	return r[0], r[1:].Clone(), true
}

// Prepend returns a new route with addr in front.
func (r Route) Prepend(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, addr)
	return append(out, r...)
}

// Append returns a new route with addr at the end.
func (r Route) Append(addr Address) Route {
	out := make(Route, 0, len(r)+1)
	out = append(out, r...)
	return append(out, addr)
}

// Last returns the final hop.
func (r Route) Last() (Address, bool) {
	if len(r) == 0 {
		return "", false
	}
	return r[len(r)-1], true
}

// Clone returns a copy of the route.
func (r Route) Clone() Route {
	if r == nil {
		return nil
	}
	out := make(Route, len(r))
	copy(out, r)
	return out
}

// IsEmpty reports whether the route has no hops.
func (r Route) IsEmpty() bool {
	return len(r) == 0
}

// String returns the route as "a => b => c".
func (r Route) String() string {
	parts := make([]string, len(r))
	for i, a := range r {
		parts[i] = string(a)
	}
	return strings.Join(parts, " => ")
}

// LocalMessage is the transport-independent message envelope.
type LocalMessage struct {
	// Onward is the route the message still has to travel
	Onward Route

	// Return is the accumulated route back to the sender
	Return Route

	// Payload is the opaque message body
	Payload []byte

	// FlowControlID tags messages emitted by actors spawned for a flow
	FlowControlID FlowControlID

	// Failure is set when this message reports a delivery failure
	Failure *DeliveryFailure
}

// Clone returns a deep copy of the message.
func (m *LocalMessage) Clone() *LocalMessage {
	out := &LocalMessage{
		Onward:        m.Onward.Clone(),
		Return:        m.Return.Clone(),
		FlowControlID: m.FlowControlID,
	}
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Failure != nil {
		f := *m.Failure
		out.Failure = &f
	}
	return out
}

// DeliveryFailure describes a message the router could not deliver.
type DeliveryFailure struct {
	// Address is the hop that could not be resolved
	Address Address

	// Reason is a human-readable description
	Reason string
}

// String returns the string representation of the failure.
func (f DeliveryFailure) String() string {
	return fmt.Sprintf("undeliverable to %s: %s", f.Address, f.Reason)
}

// StopReason records which side of the relay race won.
type StopReason uint8

const (
	// StopReasonLoopCompleted means the actor's own loop ended
	StopReasonLoopCompleted StopReason = iota

	// StopReasonExternalShutdown means a shutdown was requested
	StopReasonExternalShutdown
)

// String returns the string representation of StopReason.
func (r StopReason) String() string {
	switch r {
	case StopReasonLoopCompleted:
		return "loop_completed"
	case StopReasonExternalShutdown:
		return "external_shutdown"
	default:
		return "unknown"
	}
}

// DefaultMailboxSize is the bounded capacity of every mailbox unless
// overridden.
const DefaultMailboxSize = 32
