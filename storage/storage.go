package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/readings"
)

// Record is one store update kept in the history
type Record struct {
	Node       readings.NodeID  `json:"node_id"`
	Reading    readings.Reading `json:"reading"`
	Relayed    bool             `json:"relayed"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// StorageBackend represents a history backend
type StorageBackend interface {
	// Store appends one record
	Store(rec Record) error
	// Close releases the backend
	Close() error
}

// Manager fans records out to every backend
type Manager struct {
	backends []StorageBackend
	mutex    sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(backends []StorageBackend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store writes the record to all backends. A failing backend does not stop
// the others; their errors are joined.
func (m *Manager) Store(rec Record) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(rec); err != nil {
			logger.Error("Failed to store record for node %s: %v", rec.Node, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Len returns the number of backends
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// Close closes all backends
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend: %v", err)
		}
	}
}

// AddBackend adds a backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}
