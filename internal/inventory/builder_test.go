package inventory

import (
	"context"
	"fmt"
	"testing"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/record/recordtest"
	"github.com/csabourin/do-migration-sub006/internal/storage"
	"github.com/csabourin/do-migration-sub006/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordInventoryPages(t *testing.T) {
	store := recordtest.NewMem()
	for i := 0; i < 25; i++ {
		store.Add(record.Entry{
			ID:          fmt.Sprintf("rec-%03d", i),
			ContainerID: "primary",
			Name:        fmt.Sprintf("file-%03d.jpg", i),
		})
	}

	b := NewBuilder(store, nil, 10, logger.Nop())

	var reports int
	b.OnProgress = func(p Progress) { reports++ }

	inv, err := b.BuildRecordInventory(context.Background(), []string{"primary"})
	require.NoError(t, err)
	assert.Len(t, inv, 25)
	assert.Contains(t, inv, "rec-012")
}

func TestBuildFileInventory(t *testing.T) {
	gw := storagetest.New("primary", storage.KindS3, "assets", "")
	gw.PutString("a/one.jpg", "11111")
	gw.PutString("a/two.jpg", "22")
	gw.PutString("b/three.png", "333")

	b := NewBuilder(recordtest.NewMem(), map[string]storage.Gateway{"primary": gw}, 2, logger.Nop())

	files, err := b.BuildFileInventory(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, files, 3)

	byName := make(map[string]FileEntry)
	for _, f := range files {
		byName[f.Name] = f
	}
	assert.Equal(t, int64(5), byName["one.jpg"].Size)
	assert.Equal(t, "a/one.jpg", byName["one.jpg"].Path)
	assert.Equal(t, "primary", byName["one.jpg"].ContainerID)
	assert.Equal(t, "assets", byName["one.jpg"].ContainerName)
}

func TestBuildFileInventoryFailFast(t *testing.T) {
	good := storagetest.New("good", storage.KindS3, "a", "")
	good.PutString("x.jpg", "x")
	bad := storagetest.New("bad", storage.KindS3, "b", "")
	bad.FailList = true

	b := NewBuilder(recordtest.NewMem(), map[string]storage.Gateway{
		"good": good,
		"bad":  bad,
	}, 10, logger.Nop())

	_, err := b.BuildFileInventory(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrUnreachable)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Photo (1).JPG", "myphoto1.jpg"},
		{"IMG_2024-01-01.jpeg", "img20240101.jpeg"},
		{"noext", "noext"},
		{"archive.tar.gz", "archivetar.gz"},
		{"UPPER.PNG", "upper.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestBuildIndexes(t *testing.T) {
	gw := storagetest.New("primary", storage.KindS3, "assets", "")
	files := []FileEntry{
		{Name: "Report.PDF", Path: "docs/Report.PDF", Size: 100, Gateway: gw},
		{Name: "report.pdf", Path: "other/report.pdf", Size: 100, Gateway: gw},
		{Name: "photo.jpg", Path: "photo.jpg", Size: 42, Gateway: gw},
	}

	idx := BuildIndexes(files)

	assert.Len(t, idx.ByName["Report.PDF"], 1)
	assert.Len(t, idx.ByLowerName["report.pdf"], 2)
	assert.Len(t, idx.ByNormalizedName["report.pdf"], 2)
	assert.Len(t, idx.ByBaseName["report"], 2)
	assert.Len(t, idx.BySize[100], 2)
	assert.Len(t, idx.BySize[42], 1)
}
