// Package migrate decides how bytes travel between two storage gateways and
// executes the chosen copy strategy.
package migrate

import (
	"fmt"
	"strings"

	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// Strategy names one way of moving a physical file between gateways.
type Strategy string

const (
	// StrategyDirect copies gateway to gateway in one hop. Only valid when
	// source and destination are the same backend and bucket and their roots
	// do not nest.
	StrategyDirect Strategy = "direct"

	// StrategyTempFile routes the bytes through a local intermediate file.
	// Mandatory for nested roots and for cross-provider copies.
	StrategyTempFile Strategy = "temp_file"

	// StrategyStream pipes the bytes through memory without an intermediate
	// file.
	StrategyStream Strategy = "stream"
)

// IsNestedFilesystem reports whether two gateways address overlapping trees:
// same backend kind, same bucket, and one canonicalized root a path prefix of
// the other. The relation is symmetric, and an empty root is a prefix of
// every root.
func IsNestedFilesystem(a, b storage.Gateway) bool {
	if a.BackendKind() != b.BackendKind() {
		return false
	}
	if !strings.EqualFold(a.BucketID(), b.BucketID()) {
		return false
	}
	ra := storage.CanonicalPath(a.RootPath())
	rb := storage.CanonicalPath(b.RootPath())
	return isPathPrefix(ra, rb) || isPathPrefix(rb, ra)
}

// isPathPrefix reports whether prefix is an ancestor of (or equal to) p in
// path-segment terms, so "img" is not a prefix of "images".
func isPathPrefix(prefix, p string) bool {
	if prefix == "" {
		return true
	}
	if prefix == p {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// SelectStrategy picks the copy strategy for a source/destination pair.
// Nested roots force temp_file; same backend and bucket without nesting
// allows direct; everything else crosses providers and goes through a
// temp file.
func SelectStrategy(src, dst storage.Gateway) Strategy {
	if IsNestedFilesystem(src, dst) {
		return StrategyTempFile
	}
	if src.BackendKind() == dst.BackendKind() && strings.EqualFold(src.BucketID(), dst.BucketID()) {
		return StrategyDirect
	}
	return StrategyTempFile
}

// ValidateStrategy checks an explicitly requested strategy against the pair.
// A direct copy between nested roots is refused unconditionally: the
// destination write could be observed as a new source object mid-scan.
func ValidateStrategy(s Strategy, src, dst storage.Gateway) error {
	switch s {
	case StrategyDirect, StrategyTempFile, StrategyStream:
	default:
		return fmt.Errorf("unknown copy strategy %q", s)
	}
	if s == StrategyDirect && IsNestedFilesystem(src, dst) {
		return fmt.Errorf(
			"direct copy is invalid between nested roots %q and %q on bucket %q",
			src.RootPath(), dst.RootPath(), src.BucketID(),
		)
	}
	return nil
}
