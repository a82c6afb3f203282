// Package inventory builds the two views the engine reconciles: the record
// inventory from the catalog and the file inventory from the storage
// gateways, plus the lookup indexes the matcher runs against.
package inventory

import (
	"path"
	"strings"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// FileEntry is an immutable snapshot of one physical object taken at scan
// time. Staleness between scan and repair is tolerated; existence is
// re-checked before any destructive operation.
type FileEntry struct {
	ContainerID   string // gateway name
	ContainerName string // bucket/container identity
	Path          string // relative to the gateway root
	Name          string
	Size          int64
	LastModified  time.Time

	Gateway storage.Gateway
}

// Key returns the physical identity of the file across gateways
func (f FileEntry) Key() string {
	return storage.FileKey(f.Gateway, f.Path)
}

// Dir returns the folder portion of the path, "" at the root
func (f FileEntry) Dir() string {
	d := path.Dir(f.Path)
	if d == "." {
		return ""
	}
	return d
}

// BaseName returns the file name without its extension
func BaseName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// NormalizeName reduces a file name to lowercase alphanumerics, keeping only
// the dot before the extension. "My Photo (1).JPG" -> "myphoto1.jpg".
func NormalizeName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	if ext != "" {
		b.WriteByte('.')
		for _, r := range strings.ToLower(ext[1:]) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
	}

	return b.String()
}
