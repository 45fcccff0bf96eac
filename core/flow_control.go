package core

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// FlowControlID is an opaque provenance tag. A spawner (for example a TCP
// listener) owns one, and every message emitted by the actors it spawns
// carries it.
type FlowControlID string

// NewFlowControlID returns a fresh random flow id.
func NewFlowControlID() FlowControlID {
	return FlowControlID(uuid.NewString())
}

// String returns the string representation of the id.
func (id FlowControlID) String() string {
	return string(id)
}

// FlowControlPolicy defines how long an authorization lasts.
type FlowControlPolicy uint8

const (
	// AllowSingleMessage admits exactly one message, then expires
	AllowSingleMessage FlowControlPolicy = iota

	// AllowMultipleMessages admits messages for the lifetime of the flow
	AllowMultipleMessages
)

// String returns the string representation of FlowControlPolicy.
func (p FlowControlPolicy) String() string {
	switch p {
	case AllowSingleMessage:
		return "allow_single_message"
	case AllowMultipleMessages:
		return "allow_multiple_messages"
	default:
		return "unknown"
	}
}

type consumerKey struct {
	flow     FlowControlID
	consumer Address
}

type consumerGrant struct {
	policy FlowControlPolicy
	used   atomic.Bool
}

// FlowControls maps flow ids to the local addresses authorized to receive
// messages of that flow. Lookups never take a lock.
type FlowControls struct {
	// Map of FlowControlID to spawner Address
	spawners sync.Map

	// Map of consumerKey to *consumerGrant
	consumers sync.Map
}

// NewFlowControls creates an empty admission table.
func NewFlowControls() *FlowControls {
	return &FlowControls{}
}

// NewSpawner allocates a flow id for the spawner at addr.
func (f *FlowControls) NewSpawner(addr Address) FlowControlID {
	id := NewFlowControlID()
	f.spawners.Store(id, addr)
	return id
}

// SpawnerFor returns the spawner that owns id.
func (f *FlowControls) SpawnerFor(id FlowControlID) (Address, bool) {
	v, ok := f.spawners.Load(id)
	if !ok {
		return "", false
	}
	return v.(Address), true
}

// RemoveSpawner forgets id and every authorization granted under it.
func (f *FlowControls) RemoveSpawner(id FlowControlID) {
	f.spawners.Delete(id)
	f.consumers.Range(func(key, _ any) bool {
		if key.(consumerKey).flow == id {
			f.consumers.Delete(key)
		}
		return true
	})
}

// AddConsumer authorizes consumer to receive messages of flow id. A
// second call for the same pair replaces the policy.
func (f *FlowControls) AddConsumer(consumer Address, id FlowControlID, policy FlowControlPolicy) {
	f.consumers.Store(consumerKey{flow: id, consumer: consumer}, &consumerGrant{policy: policy})
}

// RemoveConsumer revokes the authorization of consumer for id.
func (f *FlowControls) RemoveConsumer(consumer Address, id FlowControlID) {
	f.consumers.Delete(consumerKey{flow: id, consumer: consumer})
}

// IsConsumer reports whether consumer currently holds an authorization for
// id without consuming it.
func (f *FlowControls) IsConsumer(consumer Address, id FlowControlID) bool {
	v, ok := f.consumers.Load(consumerKey{flow: id, consumer: consumer})
	if !ok {
		return false
	}
	g := v.(*consumerGrant)
	return g.policy == AllowMultipleMessages || !g.used.Load()
}

// Admit decides whether a message of flow id may be delivered to
// consumer. A single-message authorization is spent by the first
// admitted message; concurrent callers cannot both win it.
func (f *FlowControls) Admit(consumer Address, id FlowControlID) bool {
	key := consumerKey{flow: id, consumer: consumer}
	v, ok := f.consumers.Load(key)
	if !ok {
		return false
	}
	g := v.(*consumerGrant)
	switch g.policy {
	case AllowMultipleMessages:
		return true
	case AllowSingleMessage:
		if !g.used.CompareAndSwap(false, true) {
			return false
		}
		f.consumers.CompareAndDelete(key, g)
		return true
	default:
		return false
	}
}

// Consumers returns the addresses currently authorized for id.
func (f *FlowControls) Consumers(id FlowControlID) []Address {
	var out []Address
	f.consumers.Range(func(key, value any) bool {
		k := key.(consumerKey)
		g := value.(*consumerGrant)
		if k.flow == id && (g.policy == AllowMultipleMessages || !g.used.Load()) {
			out = append(out, k.consumer)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
