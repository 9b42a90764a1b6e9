// Package lifecycle collects resources that need closing at shutdown and
// closes them in reverse registration order.
package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager tracks closable resources. Registration order matters: the last
// resource registered is the first one closed, so consumers go down before
// the stores they depend on.
type Manager struct {
	mu        sync.Mutex
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource to close at shutdown.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes everything in LIFO order. Every resource gets a close
// attempt even when earlier ones fail; the first error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			log.Error().
				Err(err).
				Str("resource", res.name).
				Msg("shutdown close failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.resources = nil
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
