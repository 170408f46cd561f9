package server

import (
	"fmt"
	"sort"
	"sync"
)

// NameTakenError is returned by Register when the name already has a live session.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("name already in use: %s", e.Name)
}

// Registry maps authenticated user names to their live connection. Only the
// dispatch loop mutates it; the lock makes reads from the control socket safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*conn)}
}

func (r *Registry) Register(name string, c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; ok {
		return &NameTakenError{Name: name}
	}
	r.sessions[name] = c
	return nil
}

// Unregister removes name; removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

func (r *Registry) Lookup(name string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[name]
	return c, ok
}

// Names returns the registered user names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
