// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package connection

import (
	"sync"

	"github.com/juju/errors"
)

// Registry shares one Manager per key across a process.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
	}
}

// Get returns the manager registered under key, starting one from
// config if there is none or the registered one has terminated.
// Concurrent callers asking for the same key get the same manager.
func (r *Registry) Get(key string, config ManagerConfig) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[key]; ok && !m.IsTerminating() {
		return m, nil
	}
	m, err := NewManager(config)
	if err != nil {
		return nil, errors.Annotatef(err, "starting connection %q", key)
	}
	r.managers[key] = m
	return m, nil
}

// Keys returns the keys of every registered manager.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.managers))
	for key := range r.managers {
		keys = append(keys, key)
	}
	return keys
}

// TerminateAll terminates every registered manager, waits for them to
// stop and empties the registry.
func (r *Registry) TerminateAll() error {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Terminate()
	}
	var first error
	for key, m := range managers {
		if err := m.Wait(); err != nil {
			logger.Warningf("connection %q stopped with error: %v", key, err)
			if first == nil {
				first = errors.Annotatef(err, "connection %q", key)
			}
		}
	}
	return first
}
