package hostlock

import (
	"strings"
	"sync"
)

// Registry hands out one mutex per remote host so transfers to the same host
// are serialized while distinct hosts proceed in parallel.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// For returns the lock associated with host, creating it on first use.
func (r *Registry) For(host string) *sync.Mutex {
	key := strings.ToLower(strings.TrimSpace(host))
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// With runs fn while holding the lock for host.
func (r *Registry) With(host string, fn func() error) error {
	l := r.For(host)
	l.Lock()
	defer l.Unlock()
	return fn()
}
