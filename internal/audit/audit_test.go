package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	s, err := NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, Change{
		Type:     TypeLinkRepaired,
		RecordID: "rec-1",
		RunID:    "run-1",
		After:    map[string]string{"path": "images/a.jpg"},
	}))
	require.NoError(t, s.Append(ctx, Change{
		Type:        TypeReferencesMoved,
		RecordID:    "rec-2",
		RunID:       "run-1",
		AffectedIDs: []string{"rec-3"},
	}))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []fileLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l fileLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), lines[0].Seq)
	assert.Equal(t, int64(2), lines[1].Seq)
	assert.Equal(t, TypeLinkRepaired, lines[0].Type)
	assert.Equal(t, "rec-1", lines[0].RecordID)
	assert.False(t, lines[0].At.IsZero())
	assert.Equal(t, []string{"rec-3"}, lines[1].AffectedIDs)
}

func TestMemSinkByType(t *testing.T) {
	ctx := context.Background()
	s := NewMemSink()

	require.NoError(t, s.Append(ctx, Change{Type: TypeRecordMoved, RecordID: "a"}))
	require.NoError(t, s.Append(ctx, Change{Type: TypeRecordDeleted, RecordID: "b"}))
	require.NoError(t, s.Append(ctx, Change{Type: TypeRecordMoved, RecordID: "c"}))

	moved := s.ByType(TypeRecordMoved)
	require.Len(t, moved, 2)
	assert.Equal(t, "a", moved[0].RecordID)
	assert.Equal(t, "c", moved[1].RecordID)
	assert.Len(t, s.Changes(), 3)
}
