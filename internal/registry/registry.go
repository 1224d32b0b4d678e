// Package registry holds the set of destinations that receive mirrored traffic.
//
// The Registry is shared by the admin loop, which mutates it, and the mirror
// loop, which reads snapshots of it. Every operation takes the same mutex and
// holds it only for the in-memory map operation.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package registry

import (
	"net"
	"strconv"
	"sync"
)

// Destination is a registered receiver of mirrored traffic.
// Two destinations are equal iff Host and Port match exactly; no DNS or
// address-family normalization is applied.
type Destination struct {
	Host string
	Port int
}

// String returns the destination in host:port form.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Registry is a concurrency-safe set of destinations.
type Registry struct {
	mu           sync.Mutex
	destinations map[Destination]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		destinations: make(map[Destination]struct{}),
	}
}

// Add inserts the destination. It returns true iff the destination was not
// already present.
func (r *Registry) Add(host string, port int) bool {
	d := Destination{Host: host, Port: port}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.destinations[d]; ok {
		return false
	}
	r.destinations[d] = struct{}{}
	return true
}

// Remove deletes the destination. It returns true iff an entry was removed.
func (r *Registry) Remove(host string, port int) bool {
	d := Destination{Host: host, Port: port}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.destinations[d]; !ok {
		return false
	}
	delete(r.destinations, d)
	return true
}

// List returns a snapshot of all current destinations. The returned slice is
// owned by the caller; later mutations of the registry do not affect it.
// Order is unspecified.
func (r *Registry) List() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Destination, 0, len(r.destinations))
	for d := range r.destinations {
		result = append(result, d)
	}
	return result
}

// Contains reports whether the destination is registered.
func (r *Registry) Contains(host string, port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.destinations[Destination{Host: host, Port: port}]
	return ok
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.destinations)
}
