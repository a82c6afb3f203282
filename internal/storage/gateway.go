package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// BackendKind identifies the backend family of a gateway
type BackendKind string

const (
	KindS3    BackendKind = "s3"
	KindLocal BackendKind = "local"
)

var (
	ErrObjectNotFound = errors.New("storage: object not found")
	ErrUnreachable    = errors.New("storage: backend unreachable")
)

// ObjectInfo describes one object visible through a gateway. Paths are always
// relative to the gateway root.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	IsDir        bool
}

// ListEntry is one element of a listing stream. Err is set on the terminal
// entry when the listing failed mid-stream.
type ListEntry struct {
	ObjectInfo
	Err error
}

// Gateway is the capability interface over one named storage root. Every
// backend (bucket, container, local directory) is addressed uniformly
// through it.
type Gateway interface {
	// Name returns the configured backend name
	Name() string
	// BackendKind returns the backend family
	BackendKind() BackendKind
	// BucketID returns the bucket/container identity, empty for local roots
	BucketID() string
	// RootPath returns the canonical root prefix within the bucket
	RootPath() string

	List(ctx context.Context, prefix string, recursive bool) <-chan ListEntry
	Read(ctx context.Context, objectPath string) ([]byte, error)
	Write(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error
	Delete(ctx context.Context, objectPath string) error
	Exists(ctx context.Context, objectPath string) (bool, error)
	Stat(ctx context.Context, objectPath string) (ObjectInfo, error)
}

// NativeMover is implemented by gateways with a server-side or filesystem
// move primitive. Callers fall back to copy-then-delete when the interface
// is absent or Move fails.
type NativeMover interface {
	Move(ctx context.Context, fromPath, toPath string) error
}

// CanonicalPath normalizes an object path for comparisons: cleaned, forward
// slashes, no leading or trailing slash.
func CanonicalPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}

// FileKey returns the identity of a physical object across gateways on the
// same backend: kind, bucket, and the canonical absolute path within the
// bucket. Two gateways with different roots on the same bucket produce the
// same key for the same object.
func FileKey(g Gateway, objectPath string) string {
	full := CanonicalPath(path.Join(g.RootPath(), objectPath))
	return fmt.Sprintf("%s://%s/%s", g.BackendKind(), strings.ToLower(g.BucketID()), full)
}

// JoinRoot prepends the gateway root to a relative object path
func JoinRoot(root, objectPath string) string {
	if root == "" {
		return CanonicalPath(objectPath)
	}
	return CanonicalPath(path.Join(root, objectPath))
}
