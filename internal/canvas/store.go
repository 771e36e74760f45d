// Package canvas persists the shared 2D drawing that clients project onto the
// ground plane and serves it over HTTP.
package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoState is returned by Store.Latest when nothing has been saved.
var ErrNoState = errors.New("canvas: no saved state")

// Store keeps canvas states. The most recently saved state wins.
type Store interface {
	// Save records state as the latest canvas.
	//
	// Precondition: state must be valid JSON.
	Save(ctx context.Context, state json.RawMessage) error
	// Latest returns the most recently saved state or ErrNoState.
	Latest(ctx context.Context) (json.RawMessage, error)
}

// MemoryStore keeps only the last saved state in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state json.RawMessage
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored state with a copy of state.
func (m *MemoryStore) Save(_ context.Context, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = bytes.Clone(state)
	return nil
}

// Latest returns a copy of the stored state or ErrNoState.
func (m *MemoryStore) Latest(_ context.Context) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, ErrNoState
	}
	return bytes.Clone(m.state), nil
}
