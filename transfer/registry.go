package transfer

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry is the concurrency-safe id → record map. It is the single source
// of truth for transfer state; every mutation goes through its methods.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// InsertIfAbsent stores rec unless its id is already registered.
func (r *Registry) InsertIfAbsent(rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return false
	}
	stored := rec
	r.records[rec.ID] = &stored
	return true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove deletes id and returns the last state it had.
func (r *Registry) Remove(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	delete(r.records, id)
	return *rec, true
}

// Mutate runs fn against the stored record while holding the write lock.
// fn must not block or call back into the registry. The id is restored if
// fn changes it.
func (r *Registry) Mutate(id string, fn func(rec *Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	fn(rec)
	rec.ID = id
	return true
}

// List returns a snapshot of every record, oldest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	snapshot := lo.MapToSlice(r.records, func(_ string, rec *Record) Record {
		return *rec
	})
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
	})
	return snapshot
}

// Len returns the number of registered transfers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
