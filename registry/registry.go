// Package registry provides passive bookkeeping of the services a node
// runs: listeners, stock workers and forwarding aliases.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/najoast/relaymesh/core"
)

// Registry errors
var (
	ErrDuplicateService = errors.New("service already registered")
	ErrServiceNotFound  = errors.New("service not found")
	ErrDuplicateAlias   = errors.New("alias already registered")
)

// Kind classifies a registered service.
type Kind string

const (
	KindEchoer                Kind = "echoer"
	KindUppercase             Kind = "uppercase"
	KindHop                   Kind = "hop"
	KindTCPListener           Kind = "tcp_listener"
	KindSecureChannelListener Kind = "secure_channel_listener"
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// Status is the lifecycle state of a service as seen by the node manager.
type Status uint8

const (
	// StatusRunning means the service's actor is live
	StatusRunning Status = iota

	// StatusStopping means a shutdown has been requested
	StatusStopping
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "invalid"
	}
}

// ServiceInfo describes one registered service.
type ServiceInfo struct {
	// Address is the address of the service's actor
	Address core.Address

	// Kind of service
	Kind Kind

	// Status of the service
	Status Status

	// Metadata holds kind-specific details, e.g. a listener's bind address
	Metadata map[string]string

	// Registration time
	RegisteredAt time.Time
}

// EventType is the type of a registry change.
type EventType uint8

const (
	EventRegister EventType = iota
	EventUnregister
	EventStatusChange
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventStatusChange:
		return "status_change"
	default:
		return "unknown"
	}
}

// Event reports a change in the registry.
type Event struct {
	Type      EventType
	Service   ServiceInfo
	Timestamp time.Time
}

// Registry maps addresses to service metadata. It is safe for concurrent
// use and has no behavior beyond bookkeeping.
type Registry struct {
	mu       sync.RWMutex
	services map[core.Address]*ServiceInfo

	// aliases name forwarding targets, e.g. a route to a remote service
	aliases map[string]core.Route

	watcherMu sync.RWMutex
	watchers  map[uint64]chan Event
	watcherID uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[core.Address]*ServiceInfo),
		aliases:  make(map[string]core.Route),
		watchers: make(map[uint64]chan Event),
	}
}

// Register records a service at addr.
func (r *Registry) Register(addr core.Address, kind Kind, metadata map[string]string) error {
	if addr == "" {
		return fmt.Errorf("service address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[addr]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, addr)
	}

	info := &ServiceInfo{
		Address:      addr,
		Kind:         kind,
		Status:       StatusRunning,
		Metadata:     copyMetadata(metadata),
		RegisteredAt: time.Now(),
	}
	r.services[addr] = info
	r.notify(EventRegister, info)
	return nil
}

// Unregister removes the service at addr and returns what was recorded.
// Removing an absent service is a no-op.
func (r *Registry) Unregister(addr core.Address) (ServiceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.services[addr]
	if !exists {
		return ServiceInfo{}, false
	}
	delete(r.services, addr)
	r.notify(EventUnregister, info)
	return snapshot(info), true
}

// Get returns the service at addr.
func (r *Registry) Get(addr core.Address) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.services[addr]
	if !exists {
		return ServiceInfo{}, false
	}
	return snapshot(info), true
}

// List returns the services of the given kind sorted by address. An empty
// kind lists everything.
func (r *Registry) List(kind Kind) []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		if kind == "" || info.Kind == kind {
			out = append(out, snapshot(info))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UpdateStatus changes the status of the service at addr.
func (r *Registry) UpdateStatus(addr core.Address, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.services[addr]
	if !exists {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, addr)
	}
	if info.Status != status {
		info.Status = status
		r.notify(EventStatusChange, info)
	}
	return nil
}

// SetAlias names route. Aliases are unique.
func (r *Registry) SetAlias(alias string, route core.Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.aliases[alias]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAlias, alias)
	}
	r.aliases[alias] = route.Clone()
	return nil
}

// ResolveAlias returns the route named alias.
func (r *Registry) ResolveAlias(alias string) (core.Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.aliases[alias]
	return route.Clone(), ok
}

// RemoveAlias forgets alias.
func (r *Registry) RemoveAlias(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, alias)
}

// Watch streams registry changes until ctx is done. Slow watchers miss
// events rather than blocking the registry.
func (r *Registry) Watch(ctx context.Context) <-chan Event {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()

	r.watcherID++
	id := r.watcherID
	ch := make(chan Event, 100)
	r.watchers[id] = ch

	go func() {
		<-ctx.Done()
		r.watcherMu.Lock()
		delete(r.watchers, id)
		close(ch)
		r.watcherMu.Unlock()
	}()

	return ch
}

func (r *Registry) notify(t EventType, info *ServiceInfo) {
	r.watcherMu.RLock()
	defer r.watcherMu.RUnlock()

	event := Event{Type: t, Service: snapshot(info), Timestamp: time.Now()}
	for _, w := range r.watchers {
		select {
		case w <- event:
		default:
		}
	}
}

func snapshot(info *ServiceInfo) ServiceInfo {
	out := *info
	out.Metadata = copyMetadata(info.Metadata)
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
