package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sharediary/diary3d/internal/protocol"
)

// ErrCapacityExceeded is returned by Connect when the registry is full. It is
// a terminal state for the rejected connection, not a server fault.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ErrDuplicateConnection is returned by Connect for an id that is already registered.
var ErrDuplicateConnection = errors.New("connection already registered")

// ConnectionRecord is the registry's view of one admitted connection.
type ConnectionRecord struct {
	ID           protocol.ConnectionID
	LastPosition protocol.Position
}

// Hooks observe registry transitions. They run while the registry lock is
// held, so every observer sees transitions in the order they were applied.
// Hooks must not block and must not call back into the Registry.
type Hooks struct {
	// OnAdmit fires after a record is created. others holds every other
	// record's position; peers lists the connections admitted before id.
	OnAdmit func(id protocol.ConnectionID, others protocol.PresenceTable, peers []protocol.ConnectionID)
	// OnReject fires when Connect is refused for capacity.
	OnReject func(id protocol.ConnectionID)
	// OnLeave fires after a record is removed; remaining lists the
	// connections still registered.
	OnLeave func(id protocol.ConnectionID, remaining []protocol.ConnectionID)
}

// Registry tracks admitted connections and their last reported position,
// bounded by a fixed capacity. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	capacity int
	records  map[protocol.ConnectionID]*ConnectionRecord
	hooks    Hooks
}

// NewRegistry creates an empty registry.
//
// Precondition: capacity must be >= 1.
// Postcondition: Returns a Registry with no records.
func NewRegistry(capacity int, hooks Hooks) *Registry {
	if capacity < 1 {
		panic("presence.NewRegistry: capacity must be >= 1")
	}
	return &Registry{
		capacity: capacity,
		records:  make(map[protocol.ConnectionID]*ConnectionRecord),
		hooks:    hooks,
	}
}

// Connect admits id at the origin, or rejects it when the registry is full.
//
// Precondition: id must be non-empty.
// Postcondition: On success a record exists and OnAdmit has fired. When full,
// no record is created, OnReject has fired and ErrCapacityExceeded is returned.
func (r *Registry) Connect(id protocol.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return fmt.Errorf("connection %q: %w", id, ErrDuplicateConnection)
	}
	if len(r.records) >= r.capacity {
		if r.hooks.OnReject != nil {
			r.hooks.OnReject(id)
		}
		return fmt.Errorf("connection %q: %w", id, ErrCapacityExceeded)
	}

	others := make(protocol.PresenceTable, len(r.records))
	for otherID, rec := range r.records {
		others[otherID] = rec.LastPosition
	}
	peers := r.idsLocked()

	r.records[id] = &ConnectionRecord{ID: id, LastPosition: protocol.Origin}
	if r.hooks.OnAdmit != nil {
		r.hooks.OnAdmit(id, others, peers)
	}
	return nil
}

// Disconnect removes id. Disconnecting an absent id is a no-op.
//
// Postcondition: Returns true and fires OnLeave if a record was removed.
func (r *Registry) Disconnect(id protocol.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return false
	}
	delete(r.records, id)
	if r.hooks.OnLeave != nil {
		r.hooks.OnLeave(id, r.idsLocked())
	}
	return true
}

// ReportPosition overwrites the last known position of id. Reports for ids
// that are not registered are ignored.
//
// Postcondition: Returns false when id has no record.
func (r *Registry) ReportPosition(id protocol.ConnectionID, pos protocol.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.LastPosition = pos
	return true
}

// Others returns every registered id except id, sorted.
//
// Postcondition: ok is false when id itself is not registered.
func (r *Registry) Others(id protocol.ConnectionID) (others []protocol.ConnectionID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return nil, false
	}
	all := r.idsLocked()
	others = make([]protocol.ConnectionID, 0, len(all))
	for _, other := range all {
		if other != id {
			others = append(others, other)
		}
	}
	return others, true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id protocol.ConnectionID) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Snapshot returns the full record table.
func (r *Registry) Snapshot() protocol.PresenceTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(protocol.PresenceTable, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.LastPosition
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Capacity returns the configured maximum number of connections.
func (r *Registry) Capacity() int {
	return r.capacity
}

func (r *Registry) idsLocked() []protocol.ConnectionID {
	ids := make([]protocol.ConnectionID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
