package matcher

import (
	"sort"
	"strings"

	"github.com/csabourin/do-migration-sub006/internal/inventory"
)

// inFolder reports whether any path segment equals folder (case-insensitive)
func inFolder(f *inventory.FileEntry, folder string) bool {
	if folder == "" {
		return false
	}
	folder = strings.ToLower(folder)
	for _, seg := range strings.Split(strings.ToLower(f.Dir()), "/") {
		if seg == folder {
			return true
		}
	}
	return false
}

// prioritizeFiles orders candidates within a tier:
// files in the originals folder first, then files already in the target
// container, then more recently modified files. The sort is stable so equal
// candidates keep inventory order.
func (m *Matcher) prioritizeFiles(candidates []*inventory.FileEntry, containerID string) []*inventory.FileEntry {
	out := make([]*inventory.FileEntry, len(candidates))
	copy(out, candidates)

	rank := func(f *inventory.FileEntry) int {
		r := 0
		if !inFolder(f, m.originalsFolder) {
			r += 2
		}
		if f.ContainerID != containerID {
			r++
		}
		return r
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i].LastModified.After(out[j].LastModified)
	})

	return out
}
