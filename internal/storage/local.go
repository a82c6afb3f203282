package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"go.uber.org/zap"
)

// LocalGateway implements Gateway over a local directory root. It backs
// quarantine roots and the temp-file migration intermediate.
type LocalGateway struct {
	name   string
	root   string // absolute directory
	logger *logger.Logger
}

// NewLocalGateway creates a local gateway rooted at dir, creating it if needed
func NewLocalGateway(name, dir string, log *logger.Logger) (*LocalGateway, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local gateway %q: %w", name, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("local gateway %q: %w", name, err)
	}

	log.Info("local gateway initialized",
		zap.String("name", name),
		zap.String("root", abs),
	)

	return &LocalGateway{
		name:   name,
		root:   abs,
		logger: log.Named("local." + name),
	}, nil
}

func (g *LocalGateway) Name() string             { return g.name }
func (g *LocalGateway) BackendKind() BackendKind { return KindLocal }
func (g *LocalGateway) BucketID() string         { return "" }

// RootPath returns the root directory in canonical (forward-slash) form
func (g *LocalGateway) RootPath() string {
	return CanonicalPath(filepath.ToSlash(g.root))
}

func (g *LocalGateway) abs(objectPath string) string {
	return filepath.Join(g.root, filepath.FromSlash(CanonicalPath(objectPath)))
}

// List walks the directory tree under prefix
func (g *LocalGateway) List(ctx context.Context, prefix string, recursive bool) <-chan ListEntry {
	out := make(chan ListEntry, 64)

	go func() {
		defer close(out)

		base := g.abs(prefix)
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && p == base {
					return nil // empty prefix is an empty listing, not a failure
				}
				return err
			}
			if p == base {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			rel, err := filepath.Rel(g.root, p)
			if err != nil {
				return err
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			entry := ListEntry{ObjectInfo: ObjectInfo{
				Path:         filepath.ToSlash(rel),
				Size:         info.Size(),
				LastModified: info.ModTime(),
				IsDir:        d.IsDir(),
			}}

			select {
			case out <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}

			if d.IsDir() && !recursive {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil && err != ctx.Err() {
			out <- ListEntry{Err: fmt.Errorf("%w: walking %s: %v", ErrUnreachable, base, err)}
		}
	}()

	return out
}

// Read returns the file contents
func (g *LocalGateway) Read(ctx context.Context, objectPath string) ([]byte, error) {
	data, err := os.ReadFile(g.abs(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Read %s/%s: %w", g.name, objectPath, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("Read %s/%s: %w", g.name, objectPath, err)
	}
	return data, nil
}

// Write stores the file, creating parent directories. Metadata is ignored on
// the local backend.
func (g *LocalGateway) Write(ctx context.Context, objectPath string, data []byte, _ map[string]string) error {
	target := g.abs(objectPath)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("Write %s/%s: %w", g.name, objectPath, err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("Write %s/%s: %w", g.name, objectPath, err)
	}
	g.logger.Debug("file written", zap.String("path", objectPath), zap.Int("size", len(data)))
	return nil
}

// Delete removes the file; deleting a missing file reports not-found
func (g *LocalGateway) Delete(ctx context.Context, objectPath string) error {
	if err := os.Remove(g.abs(objectPath)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("Delete %s/%s: %w", g.name, objectPath, ErrObjectNotFound)
		}
		return fmt.Errorf("Delete %s/%s: %w", g.name, objectPath, err)
	}
	return nil
}

// Move renames the file, creating destination parent directories
func (g *LocalGateway) Move(ctx context.Context, fromPath, toPath string) error {
	target := g.abs(toPath)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("Move %s/%s: %w", g.name, toPath, err)
	}
	if err := os.Rename(g.abs(fromPath), target); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("Move %s/%s: %w", g.name, fromPath, ErrObjectNotFound)
		}
		return fmt.Errorf("Move %s/%s: %w", g.name, fromPath, err)
	}
	return nil
}

// Exists reports file presence
func (g *LocalGateway) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := os.Stat(g.abs(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("Exists %s/%s: %w", g.name, objectPath, err)
	}
	return true, nil
}

// Stat returns file metadata
func (g *LocalGateway) Stat(ctx context.Context, objectPath string) (ObjectInfo, error) {
	info, err := os.Stat(g.abs(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("Stat %s/%s: %w", g.name, objectPath, ErrObjectNotFound)
		}
		return ObjectInfo{}, fmt.Errorf("Stat %s/%s: %w", g.name, objectPath, err)
	}
	return ObjectInfo{
		Path:         CanonicalPath(objectPath),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		IsDir:        info.IsDir(),
	}, nil
}

var (
	_ Gateway     = (*LocalGateway)(nil)
	_ Gateway     = (*S3Gateway)(nil)
	_ NativeMover = (*LocalGateway)(nil)
	_ NativeMover = (*S3Gateway)(nil)
)
