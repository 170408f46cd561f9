package client

import (
	"slices"
	"sync"
)

// ListCache holds the last user and contact lists fetched from the server.
type ListCache interface {
	SetUsers(users []string)
	SetContacts(contacts []string)
	Users() []string
	Contacts() []string
}

// MemoryCache is the default in-process ListCache.
type MemoryCache struct {
	mu       sync.RWMutex
	users    []string
	contacts []string
}

var _ ListCache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) SetUsers(users []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = slices.Clone(users)
}

func (m *MemoryCache) SetContacts(contacts []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = slices.Clone(contacts)
}

func (m *MemoryCache) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.users)
}

func (m *MemoryCache) Contacts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.contacts)
}
