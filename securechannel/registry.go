package securechannel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
	"github.com/najoast/relaymesh/metrics"
)

// Info is a registered secure channel.
type Info struct {
	// Route is the route to the remote peer
	Route core.Route

	// Channel is the local channel handle
	Channel *Channel

	// AuthorizedIdentifiers restricts the peers the channel accepts; nil
	// means the handshake's peer authentication is the only check
	AuthorizedIdentifiers []crypt.Identifier
}

// Authorizes reports whether the channel's allowlist admits id.
func (i *Info) Authorizes(id crypt.Identifier) bool {
	return Authorizes(i.AuthorizedIdentifiers, id)
}

// Registry tracks the live secure channels of a node, keyed by encryptor
// address.
type Registry struct {
	mu       sync.RWMutex
	channels map[core.Address]*Info
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[core.Address]*Info)}
}

// SetMetrics reports the number of registered channels on m.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	m.SetSecureChannels(len(r.channels))
}

// Insert registers ch. It fails with ErrDuplicateChannel if a channel
// with the same encryptor address exists.
func (r *Registry) Insert(route core.Route, ch *Channel, authorized []crypt.Identifier) error {
	if ch == nil {
		return fmt.Errorf("cannot register nil channel")
	}

	info := &Info{
		Route:   route.Clone(),
		Channel: ch,
	}
	if authorized != nil {
		info.AuthorizedIdentifiers = append([]crypt.Identifier{}, authorized...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[ch.encryptor]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.encryptor)
	}
	r.channels[ch.encryptor] = info
	r.metrics.SetSecureChannels(len(r.channels))
	return nil
}

// Get returns the channel whose encryptor is at addr.
func (r *Registry) Get(addr core.Address) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.channels[addr]
	return info, ok
}

// GetByDecryptor returns the channel whose decryptor is at addr.
func (r *Registry) GetByDecryptor(addr core.Address) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.channels {
		if info.Channel.decryptor == addr {
			return info, true
		}
	}
	return nil, false
}

// Remove unregisters the channel whose encryptor is at addr and returns
// it. Only the first of concurrent removals gets ok == true; removing an
// absent channel is a no-op.
func (r *Registry) Remove(addr core.Address) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.channels[addr]
	if ok {
		delete(r.channels, addr)
		r.metrics.SetSecureChannels(len(r.channels))
	}
	return info, ok
}

// List returns all channels sorted by encryptor address.
func (r *Registry) List() []*Info {
	r.mu.RLock()
	out := make([]*Info, 0, len(r.channels))
	for _, info := range r.channels {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel.encryptor < out[j].Channel.encryptor
	})
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
