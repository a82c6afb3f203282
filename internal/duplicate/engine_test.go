package duplicate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/record/recordtest"
	"github.com/csabourin/do-migration-sub006/internal/storage"
	"github.com/csabourin/do-migration-sub006/internal/storage/storagetest"
)

type engineFixture struct {
	engine     *Engine
	records    *recordtest.MemStore
	store      *storagetest.MemGateway
	quarantine *storagetest.MemGateway
	repo       *MemRepo
	sink       *audit.MemSink
}

func newFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	if cfg.RunID == "" {
		cfg.RunID = "run-1"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}

	records := recordtest.NewMem()
	store := storagetest.New("store", storage.KindS3, "media", "")
	quarantine := storagetest.New("quarantine", storage.KindS3, "backup", "staging")
	repo := NewMemRepo()
	sink := audit.NewMemSink()
	copier := migrate.NewCopier(t.TempDir(), nil, nil)

	gateways := map[string]storage.Gateway{"store": store}
	engine := NewEngine(cfg, records, gateways, quarantine, copier, repo, nil, sink, nil, logger.Nop())

	return &engineFixture{
		engine:     engine,
		records:    records,
		store:      store,
		quarantine: quarantine,
		repo:       repo,
		sink:       sink,
	}
}

func entry(id, container, parentPath, name string) record.Entry {
	return record.Entry{
		ID:          id,
		ContainerID: container,
		ParentPath:  parentPath,
		Name:        name,
	}
}

func TestAnalyzeGroupsBySharedFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	entries := []record.Entry{
		entry("r1", "store", "images", "pic.jpg"),
		entry("r2", "store", "images", "pic.jpg"),
		entry("r3", "store", "images", "other.jpg"),
	}

	created, err := f.engine.Analyze(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	groups, err := f.repo.ListByStatus(ctx, "run-1", StatusPending)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"r1", "r2"}, groups[0].MemberIDs)

	// re-analysis leaves the existing group untouched
	created, err = f.engine.Analyze(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	groups, err = f.repo.ListByStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestStageCopiesToQuarantine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	content := "duplicate bytes"
	f.store.PutString("images/pic.jpg", content)
	f.records.Add(entry("r1", "store", "images", "pic.jpg"))
	f.records.Add(entry("r2", "store", "images", "pic.jpg"))

	_, err := f.engine.Analyze(ctx, []record.Entry{
		entry("r1", "store", "images", "pic.jpg"),
		entry("r2", "store", "images", "pic.jpg"),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Stage(ctx))

	groups, err := f.repo.ListByStatus(ctx, "run-1", StatusStaged)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.NotEmpty(t, g.TempPath)
	assert.Len(t, g.FileHash, 64)
	assert.Equal(t, int64(len(content)), g.FileSize)

	data, err := f.quarantine.Read(ctx, g.TempPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	staged := f.sink.ByType(audit.TypeFileStaged)
	require.Len(t, staged, 1)

	// a second staging pass has nothing pending left
	require.NoError(t, f.engine.Stage(ctx))
	assert.Len(t, f.sink.ByType(audit.TypeFileStaged), 1)
}

func TestStageMissingSourceIsBudgeted(t *testing.T) {
	ctx := context.Background()

	records := recordtest.NewMem()
	store := storagetest.New("store", storage.KindS3, "media", "")
	quarantine := storagetest.New("quarantine", storage.KindS3, "backup", "staging")
	repo := NewMemRepo()
	ctrl := checkpoint.NewController(
		checkpoint.NewMemStore(), checkpoint.NewBudget(5, 5, 50),
		"run-1", 1, nil, logger.Nop(),
	)
	copier := migrate.NewCopier(t.TempDir(), nil, nil)

	engine := NewEngine(
		Config{RunID: "run-1", WorkerID: "w1"},
		records, map[string]storage.Gateway{"store": store},
		quarantine, copier, repo, ctrl, audit.NewMemSink(), nil, logger.Nop(),
	)

	// record exists but the physical file does not
	records.Add(entry("r1", "store", "images", "gone.jpg"))
	records.Add(entry("r2", "store", "images", "gone.jpg"))
	_, err := engine.Analyze(ctx, []record.Entry{
		entry("r1", "store", "images", "gone.jpg"),
		entry("r2", "store", "images", "gone.jpg"),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Stage(ctx))
	assert.Equal(t, 1, ctrl.Budget().Count(checkpoint.OpMissingSourceFile))

	// the group stays pending, so safety verification refuses to continue
	err = engine.VerifySafety(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 pending")
}

func TestVerifySafetyDetectsMissingBackup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	require.NoError(t, f.repo.Create(ctx, Group{
		RunID:     "run-1",
		FileKey:   "s3://media/images/pic.jpg",
		Status:    StatusStaged,
		MemberIDs: []string{"r1", "r2"},
		TempPath:  "never-written.jpg",
	}))

	err := f.engine.VerifySafety(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing backups")
}

func TestSelectPrimaryPriorityOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("priority folder beats reference count", func(t *testing.T) {
		f := newFixture(t, Config{PriorityFolderPatterns: []string{"originals"}})

		f.records.Add(entry("r1", "store", "media/originals", "pic.jpg"))
		f.records.Add(entry("r2", "store", "media/copies", "pic.jpg"))
		f.records.AddRef("r2", "src-1")
		f.records.AddRef("r2", "src-2")

		require.NoError(t, f.repo.Create(ctx, Group{
			RunID: "run-1", FileKey: "k", Status: StatusStaged,
			MemberIDs: []string{"r1", "r2"}, TempPath: "t",
		}))

		require.NoError(t, f.engine.SelectPrimaries(ctx))
		g, err := f.repo.Get(ctx, "run-1", "k")
		require.NoError(t, err)
		assert.Equal(t, "r1", g.PrimaryID)
		assert.Equal(t, StatusAnalyzed, g.Status)
	})

	t.Run("highest reference count wins without pattern matches", func(t *testing.T) {
		f := newFixture(t, Config{})

		f.records.Add(entry("r1", "store", "a", "pic.jpg"))
		f.records.Add(entry("r2", "store", "b", "pic.jpg"))
		f.records.AddRef("r2", "src-1")

		require.NoError(t, f.repo.Create(ctx, Group{
			RunID: "run-1", FileKey: "k", Status: StatusStaged,
			MemberIDs: []string{"r1", "r2"}, TempPath: "t",
		}))

		require.NoError(t, f.engine.SelectPrimaries(ctx))
		g, err := f.repo.Get(ctx, "run-1", "k")
		require.NoError(t, err)
		assert.Equal(t, "r2", g.PrimaryID)
	})

	t.Run("tie goes to first encountered", func(t *testing.T) {
		f := newFixture(t, Config{})

		f.records.Add(entry("r1", "store", "a", "pic.jpg"))
		f.records.Add(entry("r2", "store", "b", "pic.jpg"))

		require.NoError(t, f.repo.Create(ctx, Group{
			RunID: "run-1", FileKey: "k", Status: StatusStaged,
			MemberIDs: []string{"r1", "r2"}, TempPath: "t",
		}))

		require.NoError(t, f.engine.SelectPrimaries(ctx))
		g, err := f.repo.Get(ctx, "run-1", "k")
		require.NoError(t, err)
		assert.Equal(t, "r1", g.PrimaryID)
	})
}

func TestResolveSharedFileGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.store.PutString("images/pic.jpg", "shared bytes")
	f.records.Add(entry("r1", "store", "images", "pic.jpg"))
	f.records.Add(entry("r2", "store", "images", "pic.jpg"))
	f.records.AddRef("r2", "src-1")

	require.NoError(t, f.repo.Create(ctx, Group{
		RunID: "run-1", FileKey: storage.FileKey(f.store, "images/pic.jpg"),
		Status: StatusAnalyzed, MemberIDs: []string{"r1", "r2"},
		PrimaryID: "r1", TempPath: "t",
	}))

	require.NoError(t, f.engine.Resolve(ctx))

	// loser record deleted, its references moved to the primary
	assert.False(t, f.records.Has("r2"))
	n, err := f.records.ReferenceCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// r1 and r2 share one physical file, which must survive
	ok, err := f.store.Exists(ctx, "images/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	g, err := f.repo.Get(ctx, "run-1", storage.FileKey(f.store, "images/pic.jpg"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, g.Status)
}

func TestResolveUpgradesPrimaryAndRemovesLoserFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.store.Put("small/pic.jpg", []byte("tiny"), time.Now())
	f.store.Put("large/pic.jpg", []byte("much larger content"), time.Now())
	f.records.Add(entry("r1", "store", "small", "pic.jpg"))
	f.records.Add(entry("r2", "store", "large", "pic.jpg"))

	require.NoError(t, f.repo.Create(ctx, Group{
		RunID: "run-1", FileKey: "k",
		Status: StatusAnalyzed, MemberIDs: []string{"r1", "r2"},
		PrimaryID: "r1", TempPath: "t",
	}))

	require.NoError(t, f.engine.Resolve(ctx))

	// the primary's file was upgraded to the larger copy
	data, err := f.store.Read(ctx, "small/pic.jpg")
	require.NoError(t, err)
	assert.Equal(t, "much larger content", string(data))
	assert.Len(t, f.sink.ByType(audit.TypePrimaryUpgraded), 1)

	// the loser's distinct, unreferenced file is gone
	ok, err := f.store.Exists(ctx, "large/pic.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, f.records.Has("r2"))
}

func TestResolveRetainsFileReferencedOutsideGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.store.PutString("a/pic.jpg", "primary bytes")
	f.store.PutString("b/pic.jpg", "loser byte")
	f.records.Add(entry("r1", "store", "a", "pic.jpg"))
	f.records.Add(entry("r2", "store", "b", "pic.jpg"))
	// r3 is outside the group and points at the loser's file
	f.records.Add(entry("r3", "store", "b", "pic.jpg"))

	require.NoError(t, f.repo.Create(ctx, Group{
		RunID: "run-1", FileKey: "k",
		Status: StatusAnalyzed, MemberIDs: []string{"r1", "r2"},
		PrimaryID: "r1", TempPath: "t",
	}))

	require.NoError(t, f.engine.Resolve(ctx))

	ok, err := f.store.Exists(ctx, "b/pic.jpg")
	require.NoError(t, err)
	assert.True(t, ok, "a file still referenced outside the group must survive")
	assert.Len(t, f.sink.ByType(audit.TypeSharedFileRetained), 1)
	assert.False(t, f.records.Has("r2"))
}

func TestCleanupRemovesTempFilesForCompletedGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.quarantine.PutString("done.jpg", "backup")
	f.quarantine.PutString("keep.jpg", "backup")

	require.NoError(t, f.repo.Create(ctx, Group{
		RunID: "run-1", FileKey: "k1", Status: StatusCompleted, TempPath: "done.jpg",
	}))
	require.NoError(t, f.repo.Create(ctx, Group{
		RunID: "run-1", FileKey: "k2", Status: StatusAnalyzed, TempPath: "keep.jpg",
	}))

	removed, err := f.engine.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := f.quarantine.Exists(ctx, "done.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.quarantine.Exists(ctx, "keep.jpg")
	require.NoError(t, err)
	assert.True(t, ok, "temp files for unfinished groups are never touched")
}

func TestDryRunMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DryRun: true})

	f.store.PutString("images/pic.jpg", "bytes")
	f.records.Add(entry("r1", "store", "images", "pic.jpg"))
	f.records.Add(entry("r2", "store", "images", "pic.jpg"))

	_, err := f.engine.Analyze(ctx, []record.Entry{
		entry("r1", "store", "images", "pic.jpg"),
		entry("r2", "store", "images", "pic.jpg"),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Stage(ctx))
	assert.Zero(t, f.quarantine.Len(), "dry run must not write to quarantine")

	require.NoError(t, f.engine.VerifySafety(ctx))
	assert.Zero(t, f.records.Mutations, "dry run must not touch the catalog")
}

func TestAnalyzeIncludesQuarantinedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// records a previous run moved into the holding area share its gateway
	entries := []record.Entry{
		entry("q1", "quarantine", "held/store", "pic.jpg"),
		entry("q2", "quarantine", "held/store", "pic.jpg"),
	}
	for _, e := range entries {
		f.records.Add(e)
	}

	created, err := f.engine.Analyze(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, created, "quarantined records participate in analysis")

	groups, err := f.repo.ListByStatus(ctx, "run-1", StatusPending)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []string{"q1", "q2"}, groups[0].MemberIDs)
}
