// Package storagetest provides an in-memory Gateway for tests.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/storage"
)

type object struct {
	data     []byte
	modified time.Time
	metadata map[string]string
}

// MemGateway is an in-memory storage.Gateway. Safe for concurrent use.
type MemGateway struct {
	name   string
	kind   storage.BackendKind
	bucket string
	root   string

	mu      sync.RWMutex
	objects map[string]*object

	// FailList makes every List stream terminate with an error
	FailList bool
	// FailOps maps operation names ("Read", "Write", "Delete") to errors
	FailOps map[string]error

	clock time.Time
}

// New creates a memory gateway posing as the given backend identity
func New(name string, kind storage.BackendKind, bucket, root string) *MemGateway {
	return &MemGateway{
		name:    name,
		kind:    kind,
		bucket:  bucket,
		root:    storage.CanonicalPath(root),
		objects: make(map[string]*object),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (g *MemGateway) Name() string                     { return g.name }
func (g *MemGateway) BackendKind() storage.BackendKind { return g.kind }
func (g *MemGateway) BucketID() string                 { return g.bucket }
func (g *MemGateway) RootPath() string                 { return g.root }

// Put seeds an object with a given modification time
func (g *MemGateway) Put(path string, data []byte, modified time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[storage.CanonicalPath(path)] = &object{data: data, modified: modified}
}

// PutString seeds an object with sequential modification times
func (g *MemGateway) PutString(path, data string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = g.clock.Add(time.Minute)
	g.objects[storage.CanonicalPath(path)] = &object{data: []byte(data), modified: g.clock}
}

// Len returns the number of stored objects
func (g *MemGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.objects)
}

func (g *MemGateway) failure(op string) error {
	if g.FailOps == nil {
		return nil
	}
	return g.FailOps[op]
}

func (g *MemGateway) List(ctx context.Context, prefix string, recursive bool) <-chan storage.ListEntry {
	out := make(chan storage.ListEntry, 64)

	go func() {
		defer close(out)

		if g.FailList {
			out <- storage.ListEntry{Err: fmt.Errorf("%w: simulated listing failure on %s", storage.ErrUnreachable, g.name)}
			return
		}

		prefix = storage.CanonicalPath(prefix)

		g.mu.RLock()
		paths := make([]string, 0, len(g.objects))
		for p := range g.objects {
			paths = append(paths, p)
		}
		g.mu.RUnlock()
		sort.Strings(paths)

		for _, p := range paths {
			if prefix != "" && !strings.HasPrefix(p, prefix+"/") {
				continue
			}
			rel := p
			if prefix != "" {
				rel = strings.TrimPrefix(p, prefix+"/")
			}
			if !recursive && strings.Contains(rel, "/") {
				continue
			}

			g.mu.RLock()
			obj := g.objects[p]
			g.mu.RUnlock()
			if obj == nil {
				continue
			}

			select {
			case out <- storage.ListEntry{ObjectInfo: storage.ObjectInfo{
				Path:         p,
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			}}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (g *MemGateway) Read(ctx context.Context, path string) ([]byte, error) {
	if err := g.failure("Read"); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	obj, ok := g.objects[storage.CanonicalPath(path)]
	if !ok {
		return nil, fmt.Errorf("Read %s/%s: %w", g.name, path, storage.ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

func (g *MemGateway) Write(ctx context.Context, path string, data []byte, metadata map[string]string) error {
	if err := g.failure("Write"); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.clock = g.clock.Add(time.Minute)
	g.objects[storage.CanonicalPath(path)] = &object{
		data:     append([]byte(nil), data...),
		modified: g.clock,
		metadata: metadata,
	}
	return nil
}

func (g *MemGateway) Delete(ctx context.Context, path string) error {
	if err := g.failure("Delete"); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := storage.CanonicalPath(path)
	if _, ok := g.objects[key]; !ok {
		return fmt.Errorf("Delete %s/%s: %w", g.name, path, storage.ErrObjectNotFound)
	}
	delete(g.objects, key)
	return nil
}

func (g *MemGateway) Exists(ctx context.Context, path string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.objects[storage.CanonicalPath(path)]
	return ok, nil
}

func (g *MemGateway) Stat(ctx context.Context, path string) (storage.ObjectInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	key := storage.CanonicalPath(path)
	obj, ok := g.objects[key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("Stat %s/%s: %w", g.name, path, storage.ErrObjectNotFound)
	}
	return storage.ObjectInfo{
		Path:         key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
	}, nil
}

// Move relocates an object in place. Inject FailOps["Move"] to force the
// copy-then-delete fallback in callers.
func (g *MemGateway) Move(ctx context.Context, fromPath, toPath string) error {
	if err := g.failure("Move"); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	from := storage.CanonicalPath(fromPath)
	obj, ok := g.objects[from]
	if !ok {
		return fmt.Errorf("Move %s/%s: %w", g.name, fromPath, storage.ErrObjectNotFound)
	}
	delete(g.objects, from)
	g.objects[storage.CanonicalPath(toPath)] = obj
	return nil
}

var (
	_ storage.Gateway     = (*MemGateway)(nil)
	_ storage.NativeMover = (*MemGateway)(nil)
)
