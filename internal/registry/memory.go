// Package registry provides the two interchangeable connection-registry
// backends: an in-process map for single-instance deployments and a Redis
// backend that gives multiple service instances a consistent view.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// MemoryRegistry is the in-process backend: a local keyed map with a
// per-user secondary index. O(1) operations, state lost on restart, correct
// only for a single-instance deployment. Interleaved add/remove for the
// same id resolve last-writer-wins, which is safe because connection ids
// are unique per handshake.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]notify.ConnectionRecord
	byUser  map[string]map[string]struct{}
	logger  zerolog.Logger
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry(logger zerolog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]notify.ConnectionRecord),
		byUser:  make(map[string]map[string]struct{}),
		logger:  logger.With().Str("component", "MemoryRegistry").Logger(),
	}
}

// Add upserts the record and maintains the user index.
func (m *MemoryRegistry) Add(_ context.Context, record notify.ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An upsert may change the user binding; drop the old index entry first.
	if old, ok := m.records[record.ConnectionID]; ok && old.UserID != "" && old.UserID != record.UserID {
		m.dropIndexLocked(old.UserID, old.ConnectionID)
	}

	m.records[record.ConnectionID] = record
	if record.UserID != "" {
		conns, ok := m.byUser[record.UserID]
		if !ok {
			conns = make(map[string]struct{})
			m.byUser[record.UserID] = conns
		}
		conns[record.ConnectionID] = struct{}{}
	}
	return nil
}

// Remove deletes the record and its index entry. Absent ids are a no-op.
func (m *MemoryRegistry) Remove(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[connectionID]
	if !ok {
		return nil
	}
	delete(m.records, connectionID)
	if record.UserID != "" {
		m.dropIndexLocked(record.UserID, connectionID)
	}
	return nil
}

// Get returns the record for connectionID, or nil when absent.
func (m *MemoryRegistry) Get(_ context.Context, connectionID string) (*notify.ConnectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[connectionID]
	if !ok {
		return nil, nil
	}
	copied := record
	copied.Channels = append([]string(nil), record.Channels...)
	return &copied, nil
}

// ListAll returns every active record.
func (m *MemoryRegistry) ListAll(_ context.Context) ([]notify.ConnectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]notify.ConnectionRecord, 0, len(m.records))
	for _, record := range m.records {
		record.Channels = append([]string(nil), record.Channels...)
		records = append(records, record)
	}
	return records, nil
}

// ListByUser returns the records for every device of userID.
func (m *MemoryRegistry) ListByUser(_ context.Context, userID string) ([]notify.ConnectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []notify.ConnectionRecord
	for connectionID := range m.byUser[userID] {
		if record, ok := m.records[connectionID]; ok {
			record.Channels = append([]string(nil), record.Channels...)
			records = append(records, record)
		}
	}
	return records, nil
}

// Close satisfies notify.Registry; the in-process backend holds nothing.
func (m *MemoryRegistry) Close() error {
	return nil
}

func (m *MemoryRegistry) dropIndexLocked(userID, connectionID string) {
	if conns, ok := m.byUser[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.byUser, userID)
		}
	}
}
