package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/record/recordtest"
	"github.com/csabourin/do-migration-sub006/internal/storage"
	"github.com/csabourin/do-migration-sub006/internal/storage/storagetest"
)

type moverFixture struct {
	mover   *Mover
	records *recordtest.MemStore
	store   *storagetest.MemGateway
	other   *storagetest.MemGateway
	sink    *audit.MemSink
}

func newMoverFixture(t *testing.T, dryRun bool) *moverFixture {
	t.Helper()

	records := recordtest.NewMem()
	store := storagetest.New("store", storage.KindS3, "media", "")
	other := storagetest.New("other", storage.KindS3, "archive", "")
	quarantine := storagetest.New("quarantine", storage.KindLocal, "", "/srv/quarantine")
	sink := audit.NewMemSink()
	copier := migrate.NewCopier(t.TempDir(), nil, nil)

	gateways := map[string]storage.Gateway{"store": store, "other": other}
	mover := NewMover(records, gateways, quarantine, copier, sink, nil, logger.Nop(), "run-1", dryRun)

	return &moverFixture{mover: mover, records: records, store: store, other: other, sink: sink}
}

func seedRecord(f *moverFixture, id, container, parentPath, name, content string) {
	f.records.Add(record.Entry{ID: id, ContainerID: container, ParentPath: parentPath, Name: name})
	gw := f.store
	if container == "other" {
		gw = f.other
	}
	gw.PutString(parentPath+"/"+name, content)
}

func TestConsolidateSameGateway(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "store", "scattered", "pic.jpg", "bytes")

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "consolidated"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	// physical file moved
	ok, err := f.store.Exists(ctx, "consolidated/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.store.Exists(ctx, "scattered/pic.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	// catalog updated
	rec, err := f.records.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "consolidated", rec.ParentPath)

	assert.Len(t, f.sink.ByType(audit.TypeRecordMoved), 1)
}

func TestConsolidateAlreadyDone(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "store", "consolidated", "pic.jpg", "bytes")

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "consolidated"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDone, outcome)
	assert.Zero(t, f.records.Mutations)
}

func TestConsolidateMissingRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "ghost",
		Target:   record.Location{ContainerID: "store", ParentPath: "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestConsolidateFallsBackWhenNativeMoveFails(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "store", "a", "pic.jpg", "bytes")
	f.store.FailOps = map[string]error{"Move": errors.New("io error on source")}

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	ok, err := f.store.Exists(ctx, "b/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok, "copy-then-delete fallback must complete the move")
	ok, err = f.store.Exists(ctx, "a/pic.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsolidateCrossGateway(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "store", "a", "pic.jpg", "payload")

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "other", ParentPath: "imported"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	data, err := f.other.Read(ctx, "imported/pic.jpg")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	ok, err := f.store.Exists(ctx, "a/pic.jpg")
	require.NoError(t, err)
	assert.False(t, ok, "source file is removed after the catalog commit")

	rec, err := f.records.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "other", rec.ContainerID)
}

func TestConsolidateMissingSourceFile(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	f.records.Add(record.Entry{ID: "r1", ContainerID: "store", ParentPath: "a", Name: "gone.jpg"})

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "b"},
	})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestConsolidateRollsBackOnCommitFailure(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "other", "a", "pic.jpg", "bytes")
	f.records.FailOps = map[string]error{"ApplyMove": errors.New("db down")}

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "b"},
	})
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)

	// destination copy rolled back, source untouched
	ok, err := f.store.Exists(ctx, "b/pic.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.other.Exists(ctx, "a/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuarantineMovesUnderHoldingArea(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, false)
	seedRecord(f, "r1", "store", "bad", "virus.jpg", "payload")

	outcome, err := f.mover.Quarantine(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	rec, err := f.records.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "quarantine", rec.ContainerID)
	assert.Equal(t, "held/store", rec.ParentPath)
	assert.Len(t, f.sink.ByType(audit.TypeRecordQuarantined), 1)
}

func TestConsolidateDryRun(t *testing.T) {
	ctx := context.Background()
	f := newMoverFixture(t, true)
	seedRecord(f, "r1", "store", "a", "pic.jpg", "bytes")

	outcome, err := f.mover.Consolidate(ctx, MoveRequest{
		RecordID: "r1",
		Target:   record.Location{ContainerID: "store", ParentPath: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	assert.Zero(t, f.records.Mutations)
	ok, err := f.store.Exists(ctx, "a/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
}
