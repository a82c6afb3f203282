package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csabourin/do-migration-sub006/internal/storage"
	"github.com/csabourin/do-migration-sub006/internal/storage/storagetest"
)

func TestIsNestedFilesystem(t *testing.T) {
	tests := []struct {
		name   string
		a, b   storage.Gateway
		nested bool
	}{
		{
			name:   "empty root nests with any root on the same bucket",
			a:      storagetest.New("a", storage.KindS3, "media", ""),
			b:      storagetest.New("b", storage.KindS3, "media", "images"),
			nested: true,
		},
		{
			name:   "symmetric the other way around",
			a:      storagetest.New("a", storage.KindS3, "media", "images"),
			b:      storagetest.New("b", storage.KindS3, "media", ""),
			nested: true,
		},
		{
			name:   "sibling roots do not nest",
			a:      storagetest.New("a", storage.KindS3, "media", "images"),
			b:      storagetest.New("b", storage.KindS3, "media", "documents"),
			nested: false,
		},
		{
			name:   "prefix must match on a path segment boundary",
			a:      storagetest.New("a", storage.KindS3, "media", "img"),
			b:      storagetest.New("b", storage.KindS3, "media", "images"),
			nested: false,
		},
		{
			name:   "child root nests under its parent",
			a:      storagetest.New("a", storage.KindS3, "media", "images"),
			b:      storagetest.New("b", storage.KindS3, "media", "images/2024"),
			nested: true,
		},
		{
			name:   "identical roots nest",
			a:      storagetest.New("a", storage.KindS3, "media", "images"),
			b:      storagetest.New("b", storage.KindS3, "media", "images"),
			nested: true,
		},
		{
			name:   "different buckets never nest",
			a:      storagetest.New("a", storage.KindS3, "media", ""),
			b:      storagetest.New("b", storage.KindS3, "archive", ""),
			nested: false,
		},
		{
			name:   "different backend kinds never nest",
			a:      storagetest.New("a", storage.KindS3, "media", "images"),
			b:      storagetest.New("b", storage.KindLocal, "media", "images"),
			nested: false,
		},
		{
			name:   "roots are canonicalized before comparison",
			a:      storagetest.New("a", storage.KindS3, "media", "/images/"),
			b:      storagetest.New("b", storage.KindS3, "media", "images/2024/"),
			nested: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.nested, IsNestedFilesystem(tt.a, tt.b))
			assert.Equal(t, tt.nested, IsNestedFilesystem(tt.b, tt.a), "nesting must be symmetric")
		})
	}
}

func TestSelectStrategy(t *testing.T) {
	sameBucketA := storagetest.New("a", storage.KindS3, "media", "images")
	sameBucketB := storagetest.New("b", storage.KindS3, "media", "documents")
	nestedParent := storagetest.New("p", storage.KindS3, "media", "")
	local := storagetest.New("l", storage.KindLocal, "", "/srv/files")
	otherBucket := storagetest.New("o", storage.KindS3, "archive", "")

	assert.Equal(t, StrategyTempFile, SelectStrategy(nestedParent, sameBucketA))
	assert.Equal(t, StrategyDirect, SelectStrategy(sameBucketA, sameBucketB))
	assert.Equal(t, StrategyTempFile, SelectStrategy(sameBucketA, local))
	assert.Equal(t, StrategyTempFile, SelectStrategy(sameBucketA, otherBucket))
}

func TestValidateStrategy(t *testing.T) {
	parent := storagetest.New("p", storage.KindS3, "media", "")
	child := storagetest.New("c", storage.KindS3, "media", "images")
	sibling := storagetest.New("s", storage.KindS3, "media", "documents")

	t.Run("direct refused on nested pair regardless of request", func(t *testing.T) {
		err := ValidateStrategy(StrategyDirect, parent, child)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nested")
	})

	t.Run("direct allowed on sibling roots", func(t *testing.T) {
		assert.NoError(t, ValidateStrategy(StrategyDirect, child, sibling))
	})

	t.Run("temp_file always allowed", func(t *testing.T) {
		assert.NoError(t, ValidateStrategy(StrategyTempFile, parent, child))
	})

	t.Run("unknown strategy rejected", func(t *testing.T) {
		assert.Error(t, ValidateStrategy(Strategy("rsync"), parent, child))
	})
}

func TestCopier(t *testing.T) {
	ctx := context.Background()
	content := []byte("the quick brown fox")
	wantHash := sha256.Sum256(content)

	strategies := []Strategy{StrategyDirect, StrategyTempFile, StrategyStream}
	for _, s := range strategies {
		t.Run(string(s), func(t *testing.T) {
			src := storagetest.New("src", storage.KindS3, "media", "a")
			dst := storagetest.New("dst", storage.KindS3, "media", "b")
			src.PutString("photos/fox.jpg", string(content))

			c := NewCopier(t.TempDir(), nil, nil)
			res, err := c.Copy(ctx, src, "photos/fox.jpg", dst, "incoming/fox.jpg", s)
			require.NoError(t, err)

			assert.Equal(t, int64(len(content)), res.Bytes)
			assert.Equal(t, hex.EncodeToString(wantHash[:]), res.SHA256)

			got, err := dst.Read(ctx, "incoming/fox.jpg")
			require.NoError(t, err)
			assert.Equal(t, content, got)

			// source stays in place
			ok, err := src.Exists(ctx, "photos/fox.jpg")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	t.Run("missing source surfaces not found", func(t *testing.T) {
		src := storagetest.New("src", storage.KindS3, "media", "a")
		dst := storagetest.New("dst", storage.KindS3, "media", "b")

		c := NewCopier(t.TempDir(), nil, nil)
		_, err := c.Copy(ctx, src, "gone.jpg", dst, "gone.jpg", StrategyDirect)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})
}
