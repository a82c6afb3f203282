// Package recordtest provides an in-memory record.Store for tests.
package recordtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/csabourin/do-migration-sub006/internal/record"
)

// MemStore is an in-memory record.Store. Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]record.Entry
	// refs maps asset id -> set of referencing source ids
	refs map[string]map[string]bool

	// Mutations counts write operations, letting idempotence tests assert
	// that a second run performs zero additional mutations
	Mutations int

	// FailOps maps operation names to injected errors
	FailOps map[string]error
}

// NewMem creates an empty store
func NewMem() *MemStore {
	return &MemStore{
		entries: make(map[string]record.Entry),
		refs:    make(map[string]map[string]bool),
	}
}

// Add seeds a record
func (s *MemStore) Add(e record.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

// AddRef seeds one reference from sourceID to assetID
func (s *MemStore) AddRef(assetID, sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[assetID] == nil {
		s.refs[assetID] = make(map[string]bool)
	}
	s.refs[assetID][sourceID] = true
	e := s.entries[assetID]
	e.ReferenceCount = len(s.refs[assetID])
	s.entries[assetID] = e
}

func (s *MemStore) failure(op string) error {
	if s.FailOps == nil {
		return nil
	}
	return s.FailOps[op]
}

func matches(e record.Entry, q record.Query) bool {
	if len(q.ContainerIDs) > 0 {
		found := false
		for _, c := range q.ContainerIDs {
			if e.ContainerID == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.NameLike != "" {
		pattern := strings.Trim(q.NameLike, "%")
		if !strings.Contains(e.Name, pattern) {
			return false
		}
	}
	return true
}

func (s *MemStore) Find(ctx context.Context, q record.Query) ([]record.Entry, error) {
	if err := s.failure("Find"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []record.Entry
	for _, e := range s.entries {
		if matches(e, q) {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (s *MemStore) Count(ctx context.Context, q record.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, e := range s.entries {
		if matches(e, q) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (record.Entry, error) {
	if err := s.failure("Get"); err != nil {
		return record.Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return record.Entry{}, fmt.Errorf("asset %s: %w", id, record.ErrNotFound)
	}
	return e, nil
}

func (s *MemStore) ReferenceCount(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs[id]), nil
}

func (s *MemStore) TransferReferences(ctx context.Context, fromID, toID string) error {
	if err := s.failure("TransferReferences"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Mutations++
	if s.refs[toID] == nil {
		s.refs[toID] = make(map[string]bool)
	}
	for src := range s.refs[fromID] {
		s.refs[toID][src] = true
	}
	delete(s.refs, fromID)

	s.syncCount(fromID)
	s.syncCount(toID)
	return nil
}

func (s *MemStore) ApplyMove(ctx context.Context, id string, loc record.Location) error {
	if err := s.failure("ApplyMove"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, record.ErrNotFound)
	}

	s.Mutations++
	e.ContainerID = loc.ContainerID
	e.ParentID = loc.ParentID
	e.ParentPath = loc.ParentPath
	s.entries[id] = e
	return nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	if err := s.failure("Delete"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, record.ErrNotFound)
	}

	s.Mutations++
	delete(s.entries, id)
	delete(s.refs, id)
	return nil
}

// Has reports whether a record still exists
func (s *MemStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

func (s *MemStore) syncCount(id string) {
	if e, ok := s.entries[id]; ok {
		e.ReferenceCount = len(s.refs[id])
		s.entries[id] = e
	}
}

var _ record.Store = (*MemStore)(nil)
