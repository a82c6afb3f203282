package checkpoint

import (
	"context"
	"sync"
)

// Store persists processed-id sets and checkpoint payloads per run and phase
type Store interface {
	// LoadProcessed returns every id already completed for run/phase
	LoadProcessed(ctx context.Context, runID, phase string) ([]string, error)
	// MergeProcessed adds ids to the processed set; re-adding is a no-op
	MergeProcessed(ctx context.Context, runID, phase string, ids []string) error
	// SaveCheckpoint writes the phase checkpoint payload
	SaveCheckpoint(ctx context.Context, runID, phase string, payload []byte) error
	// LoadCheckpoint reads the phase checkpoint payload, nil when absent
	LoadCheckpoint(ctx context.Context, runID, phase string) ([]byte, error)
}

// MemStore is an in-memory Store. It backs dry runs, where progress must not
// outlive the process, and tests.
type MemStore struct {
	mu          sync.Mutex
	processed   map[string]map[string]bool // runID/phase -> id set
	checkpoints map[string][]byte
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		processed:   make(map[string]map[string]bool),
		checkpoints: make(map[string][]byte),
	}
}

func key(runID, phase string) string {
	return runID + "/" + phase
}

func (s *MemStore) LoadProcessed(ctx context.Context, runID, phase string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.processed[key(runID, phase)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemStore) MergeProcessed(ctx context.Context, runID, phase string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(runID, phase)
	if s.processed[k] == nil {
		s.processed[k] = make(map[string]bool)
	}
	for _, id := range ids {
		s.processed[k][id] = true
	}
	return nil
}

func (s *MemStore) SaveCheckpoint(ctx context.Context, runID, phase string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key(runID, phase)] = append([]byte(nil), payload...)
	return nil
}

func (s *MemStore) LoadCheckpoint(ctx context.Context, runID, phase string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[key(runID, phase)], nil
}

var _ Store = (*MemStore)(nil)
