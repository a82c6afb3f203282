package inventory

import "strings"

// Indexes holds the five lookup structures the link repair matcher runs
// against. Values alias the file inventory slice; indexes stay valid as long
// as the inventory does.
type Indexes struct {
	// ByName maps the exact file name to entries
	ByName map[string][]*FileEntry
	// ByLowerName maps the lowercase file name to entries
	ByLowerName map[string][]*FileEntry
	// ByNormalizedName maps NormalizeName output to entries
	ByNormalizedName map[string][]*FileEntry
	// ByBaseName maps the lowercase name without extension to entries
	ByBaseName map[string][]*FileEntry
	// BySize maps the byte size to entries
	BySize map[int64][]*FileEntry
}

// BuildIndexes builds all five indexes in one pass over the inventory
func BuildIndexes(files []FileEntry) *Indexes {
	idx := &Indexes{
		ByName:           make(map[string][]*FileEntry, len(files)),
		ByLowerName:      make(map[string][]*FileEntry, len(files)),
		ByNormalizedName: make(map[string][]*FileEntry, len(files)),
		ByBaseName:       make(map[string][]*FileEntry, len(files)),
		BySize:           make(map[int64][]*FileEntry, len(files)),
	}

	for i := range files {
		f := &files[i]
		lower := strings.ToLower(f.Name)

		idx.ByName[f.Name] = append(idx.ByName[f.Name], f)
		idx.ByLowerName[lower] = append(idx.ByLowerName[lower], f)

		norm := NormalizeName(f.Name)
		idx.ByNormalizedName[norm] = append(idx.ByNormalizedName[norm], f)

		base := strings.ToLower(BaseName(f.Name))
		idx.ByBaseName[base] = append(idx.ByBaseName[base], f)

		idx.BySize[f.Size] = append(idx.BySize[f.Size], f)
	}

	return idx
}
