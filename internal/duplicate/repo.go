package duplicate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrGroupNotFound is returned when a run/fileKey pair has no group.
var ErrGroupNotFound = errors.New("duplicate: group not found")

// Repo persists duplicate groups. Groups are keyed by run id + file key.
type Repo interface {
	// Create inserts a group if the run/fileKey pair does not exist yet.
	// An existing group is left untouched so re-analysis is idempotent.
	Create(ctx context.Context, g Group) error

	Get(ctx context.Context, runID, fileKey string) (Group, error)

	// ListByStatus returns the run's groups in the given states, ordered by
	// file key for deterministic iteration.
	ListByStatus(ctx context.Context, runID string, statuses ...Status) ([]Group, error)

	Update(ctx context.Context, g Group) error

	// Claim marks a group as owned by a worker. It reports false when the
	// group is already claimed by someone else within the stale window.
	Claim(ctx context.Context, runID, fileKey, owner string, staleAfter time.Duration) (bool, error)
}

// MemRepo keeps groups in memory. Backs dry runs and tests.
type MemRepo struct {
	mu     sync.Mutex
	groups map[string]Group

	// FailOps maps operation names (create, get, list, update, claim) to
	// errors for fault injection.
	FailOps map[string]error
}

func NewMemRepo() *MemRepo {
	return &MemRepo{groups: make(map[string]Group)}
}

func (r *MemRepo) failure(op string) error {
	if r.FailOps == nil {
		return nil
	}
	return r.FailOps[op]
}

func memKey(runID, fileKey string) string {
	return runID + "\x00" + fileKey
}

func (r *MemRepo) Create(ctx context.Context, g Group) error {
	if err := r.failure("create"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(g.RunID, g.FileKey)
	if _, ok := r.groups[k]; ok {
		return nil
	}
	now := time.Now()
	g.CreatedAt, g.UpdatedAt = now, now
	r.groups[k] = g
	return nil
}

func (r *MemRepo) Get(ctx context.Context, runID, fileKey string) (Group, error) {
	if err := r.failure("get"); err != nil {
		return Group{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[memKey(runID, fileKey)]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

func (r *MemRepo) ListByStatus(ctx context.Context, runID string, statuses ...Status) ([]Group, error) {
	if err := r.failure("list"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []Group
	for _, g := range r.groups {
		if g.RunID == runID && (len(want) == 0 || want[g.Status]) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileKey < out[j].FileKey })
	return out, nil
}

func (r *MemRepo) Update(ctx context.Context, g Group) error {
	if err := r.failure("update"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(g.RunID, g.FileKey)
	if _, ok := r.groups[k]; !ok {
		return ErrGroupNotFound
	}
	g.UpdatedAt = time.Now()
	r.groups[k] = g
	return nil
}

func (r *MemRepo) Claim(ctx context.Context, runID, fileKey, owner string, staleAfter time.Duration) (bool, error) {
	if err := r.failure("claim"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(runID, fileKey)
	g, ok := r.groups[k]
	if !ok {
		return false, nil
	}
	if g.ClaimedBy != "" && g.ClaimedBy != owner && time.Since(g.ClaimedAt) < staleAfter {
		return false, nil
	}
	g.ClaimedBy = owner
	g.ClaimedAt = time.Now()
	g.UpdatedAt = g.ClaimedAt
	r.groups[k] = g
	return true, nil
}

var _ Repo = (*MemRepo)(nil)
