// Package record defines the logical item catalog consumed by the
// reconciliation engine: immutable record snapshots and the narrow store
// interface the engine mutates the catalog through.
package record

import (
	"path"
	"strings"
	"time"
)

// Entry is an immutable snapshot of one logical catalog item. The engine
// never mutates an Entry in place; location changes go through
// Store.ApplyMove and are observed by reloading.
type Entry struct {
	ID          string
	ContainerID string
	ParentID    string
	Name        string
	ParentPath  string

	// Size is the expected byte size of the item's physical file, zero when
	// unknown.
	Size int64

	ReferenceCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsUsed reports whether any other record or field points at this one
func (e Entry) IsUsed() bool {
	return e.ReferenceCount > 0
}

// Location is a container/parent assignment
type Location struct {
	ContainerID string
	ParentID    string
	ParentPath  string
}

// At reports whether the entry already sits at the given location. Parent
// ids are compared only when the location names one; paths are compared in
// canonical form.
func (e Entry) At(loc Location) bool {
	if e.ContainerID != loc.ContainerID {
		return false
	}
	if loc.ParentID != "" && e.ParentID != loc.ParentID {
		return false
	}
	return canonicalParent(e.ParentPath) == canonicalParent(loc.ParentPath)
}

func canonicalParent(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.Trim(p, "/")
}
