package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/duplicate"
	"github.com/csabourin/do-migration-sub006/internal/inventory"
	"github.com/csabourin/do-migration-sub006/internal/matcher"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/record/recordtest"
	"github.com/csabourin/do-migration-sub006/internal/storage"
	"github.com/csabourin/do-migration-sub006/internal/storage/storagetest"
)

type runnerFixture struct {
	records    *recordtest.MemStore
	store      *storagetest.MemGateway
	quarantine *storagetest.MemGateway
	repo       *duplicate.MemRepo
	ckpt       *checkpoint.MemStore
	sink       *audit.MemSink
}

func newRunnerFixture() *runnerFixture {
	return &runnerFixture{
		records:    recordtest.NewMem(),
		store:      storagetest.New("store", storage.KindS3, "media", ""),
		quarantine: storagetest.New("quarantine", storage.KindS3, "backup", "staging"),
		repo:       duplicate.NewMemRepo(),
		ckpt:       checkpoint.NewMemStore(),
		sink:       audit.NewMemSink(),
	}
}

// newRunner builds a runner over the fixture with a fresh controller, the
// way a resumed process would.
func (f *runnerFixture) newRunner(t *testing.T, cfg RunConfig, budget *checkpoint.Budget) (*Runner, *checkpoint.Controller) {
	t.Helper()
	if cfg.RunID == "" {
		cfg.RunID = "run-1"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	log := logger.Nop()
	gateways := map[string]storage.Gateway{"store": f.store}
	copier := migrate.NewCopier(t.TempDir(), nil, nil)
	ctrl := checkpoint.NewController(f.ckpt, budget, cfg.RunID, 5, nil, log)

	dup := duplicate.NewEngine(
		duplicate.Config{RunID: cfg.RunID, WorkerID: "w1", DryRun: cfg.DryRun},
		f.records, gateways, f.quarantine, copier, f.repo, ctrl, f.sink, nil, log,
	)
	mover := NewMover(f.records, gateways, f.quarantine, copier, f.sink, nil, log, cfg.RunID, cfg.DryRun)

	deps := Deps{
		Records:    f.records,
		Gateways:   gateways,
		Quarantine: f.quarantine,
		Builder:    inventory.NewBuilder(f.records, gateways, cfg.BatchSize, log),
		Matcher:    matcher.New("originals", log),
		Duplicates: dup,
		Mover:      mover,
		Controller: ctrl,
		Sink:       f.sink,
		Logger:     log,
	}
	return NewRunner(cfg, deps), ctrl
}

// seedScenario loads the catalog with healthy, repairable, and unresolvable
// records: healthy records have their file in place, repairable ones find an
// exact-name file in the originals folder, unresolvable ones have no file
// at all.
func seedScenario(f *runnerFixture, healthy, repairable, unresolvable int) {
	for i := 0; i < healthy; i++ {
		name := fmt.Sprintf("ok-%04d.jpg", i)
		f.records.Add(record.Entry{ID: fmt.Sprintf("ok-%04d", i), ContainerID: "store", ParentPath: "library", Name: name})
		f.store.PutString("library/"+name, fmt.Sprintf("content %d", i))
	}
	for i := 0; i < repairable; i++ {
		name := fmt.Sprintf("fix-%04d.jpg", i)
		f.records.Add(record.Entry{ID: fmt.Sprintf("fix-%04d", i), ContainerID: "store", ParentPath: "lost", Name: name})
		f.store.PutString("originals/"+name, fmt.Sprintf("original %d", i))
	}
	for i := 0; i < unresolvable; i++ {
		name := fmt.Sprintf("unresolved-%04d.dat", i)
		f.records.Add(record.Entry{ID: fmt.Sprintf("un-%04d", i), ContainerID: "store", ParentPath: "void", Name: name})
	}
}

func TestRunScenarioStaysUnderBudget(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 950, 30, 20)

	r, ctrl := f.newRunner(t, RunConfig{}, checkpoint.NewBudget(20, 10, 50))
	summary, err := r.Run(ctx)
	require.NoError(t, err, "20 missing files sit under the expected ceiling")

	assert.Equal(t, 1000, summary.Records)
	assert.Equal(t, 30, summary.LinksRepaired)
	assert.Equal(t, 20, summary.LinksUnresolved)
	assert.Equal(t, 20, ctrl.Budget().Count(checkpoint.OpMissingSourceFile))
	assert.Nil(t, ctrl.Halted())

	// repaired records now point at the originals folder
	rec, err := f.records.Get(ctx, "fix-0000")
	require.NoError(t, err)
	assert.Equal(t, "originals", rec.ParentPath)
}

func TestRunHaltsWhenBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 5, 0, 5)

	r, _ := f.newRunner(t, RunConfig{BatchSize: 3}, checkpoint.NewBudget(0, 0, 2))
	_, err := r.Run(ctx)
	require.Error(t, err)

	var halt *checkpoint.HaltError
	require.ErrorAs(t, err, &halt)
	assert.Contains(t, err.Error(), "reconcile resume --run-id run-1")
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 50, 5, 0)

	r1, _ := f.newRunner(t, RunConfig{}, checkpoint.NewBudget(0, 10, 50))
	s1, err := r1.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, s1.LinksRepaired)

	mutations := f.records.Mutations

	// a second process over the same state finds nothing left to do
	r2, _ := f.newRunner(t, RunConfig{RunID: "run-2"}, checkpoint.NewBudget(0, 10, 50))
	s2, err := r2.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, s2.LinksRepaired)
	assert.Equal(t, mutations, f.records.Mutations, "a re-run must perform zero catalog mutations")
}

func TestRunResumeSkipsProcessedRecords(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 10, 0, 0)

	r1, ctrl1 := f.newRunner(t, RunConfig{BatchSize: 5}, checkpoint.NewBudget(0, 10, 50))
	_, err := r1.Run(ctx)
	require.NoError(t, err)
	_ = ctrl1

	// the durable processed set for the phase covers every record
	ids, err := f.ckpt.LoadProcessed(ctx, "run-1", PhaseLinkRepair)
	require.NoError(t, err)
	assert.Len(t, ids, 10)

	// a resumed controller for the same run sees them all as processed
	ctrl2 := checkpoint.NewController(f.ckpt, checkpoint.NewBudget(0, 10, 50), "run-1", 5, nil, logger.Nop())
	require.NoError(t, ctrl2.BeginPhase(ctx, PhaseLinkRepair))
	assert.True(t, ctrl2.IsProcessed("ok-0000"))
	assert.True(t, ctrl2.IsProcessed("ok-0009"))
}

func TestRunResolvesDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()

	f.store.PutString("library/dup.jpg", "shared content")
	f.records.Add(record.Entry{ID: "d1", ContainerID: "store", ParentPath: "library", Name: "dup.jpg"})
	f.records.Add(record.Entry{ID: "d2", ContainerID: "store", ParentPath: "library", Name: "dup.jpg"})
	f.records.AddRef("d2", "page-1")

	r, _ := f.newRunner(t, RunConfig{}, checkpoint.NewBudget(0, 10, 50))
	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.DuplicateGroups)
	assert.Equal(t, 1, summary.TempFilesRemoved)

	// d2 survives on reference count; d1 folds into it
	assert.True(t, f.records.Has("d2"))
	assert.False(t, f.records.Has("d1"))

	n, err := f.records.ReferenceCount(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the shared physical file is never deleted
	ok, err := f.store.Exists(ctx, "library/dup.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	groups, err := f.repo.ListByStatus(ctx, "run-1", duplicate.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Empty(t, groups[0].TempPath, "quarantine backup is cleaned up after completion")
}

func TestRunConsolidatesIntoTarget(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 6, 0, 0)

	r, _ := f.newRunner(t, RunConfig{
		BatchSize:         4,
		TargetContainerID: "store",
		TargetParentPath:  "consolidated",
	}, checkpoint.NewBudget(0, 10, 50))

	summary, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Consolidated[OutcomeSuccess])

	for i := 0; i < 6; i++ {
		rec, err := f.records.Get(ctx, fmt.Sprintf("ok-%04d", i))
		require.NoError(t, err)
		assert.Equal(t, "consolidated", rec.ParentPath)

		ok, err := f.store.Exists(ctx, fmt.Sprintf("consolidated/ok-%04d.jpg", i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRunReportsOrphans(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 3, 0, 0)
	f.store.PutString("stray/leftover.tmp", "nobody references me")

	r, _ := f.newRunner(t, RunConfig{}, checkpoint.NewBudget(0, 10, 50))
	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OrphanFiles)
	orphans := f.sink.ByType(audit.TypeOrphanReported)
	require.Len(t, orphans, 1)
	assert.Contains(t, orphans[0].FileKey, "stray/leftover.tmp")
}

func TestRunParallelWorkersMatchSequential(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 200, 10, 5)

	r, ctrl := f.newRunner(t, RunConfig{Workers: 4, BatchSize: 50}, checkpoint.NewBudget(5, 10, 50))
	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.LinksRepaired)
	assert.Equal(t, 5, summary.LinksUnresolved)
	assert.Equal(t, 5, ctrl.Budget().Count(checkpoint.OpMissingSourceFile))
}

func TestRunDryRunLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 5, 2, 0)

	r, _ := f.newRunner(t, RunConfig{DryRun: true}, checkpoint.NewBudget(0, 10, 50))
	summary, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.LinksRepaired, "dry run still reports what it would repair")
	assert.Zero(t, f.records.Mutations)
}

func TestRunCancellationBetweenBatches(t *testing.T) {
	f := newRunnerFixture()
	seedScenario(f, 50, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := f.newRunner(t, RunConfig{BatchSize: 10}, checkpoint.NewBudget(0, 10, 50))
	_, err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunTreatsQuarantinedRecordsAsHealthy(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()
	seedScenario(f, 3, 0, 0)

	r, _ := f.newRunner(t, RunConfig{}, checkpoint.NewBudget(0, 10, 50))
	_, err := r.Run(ctx)
	require.NoError(t, err)

	mover := NewMover(f.records, map[string]storage.Gateway{"store": f.store}, f.quarantine,
		migrate.NewCopier(t.TempDir(), nil, nil), f.sink, nil, logger.Nop(), "run-1", false)
	outcome, err := mover.Quarantine(ctx, "ok-0000")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, outcome)

	rec, err := f.records.Get(ctx, "ok-0000")
	require.NoError(t, err)
	require.Equal(t, "quarantine", rec.ContainerID)

	// a later full run must not treat the held record as broken
	r2, ctrl := f.newRunner(t, RunConfig{RunID: "run-2"}, checkpoint.NewBudget(0, 0, 2))
	_, err = r2.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, ctrl.Budget().Count("unknown_container"),
		"a record held in quarantine is not an unknown container")
	assert.Zero(t, ctrl.Budget().Count(checkpoint.OpMissingSourceFile))
	assert.Nil(t, ctrl.Halted())
}

func TestRunPhaseFilterDrivesDuplicateSteps(t *testing.T) {
	ctx := context.Background()
	f := newRunnerFixture()

	f.store.PutString("library/dup.jpg", "shared content")
	f.records.Add(record.Entry{ID: "d1", ContainerID: "store", ParentPath: "library", Name: "dup.jpg"})
	f.records.Add(record.Entry{ID: "d2", ContainerID: "store", ParentPath: "library", Name: "dup.jpg"})
	f.records.AddRef("d2", "page-1")

	run := func(phases ...string) (*Summary, error) {
		r, _ := f.newRunner(t, RunConfig{Phases: phases}, checkpoint.NewBudget(0, 10, 50))
		return r.Run(ctx)
	}

	summary, err := run(PhaseDupAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DuplicateGroups)
	pending, err := f.repo.ListByStatus(ctx, "run-1", duplicate.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1, "analysis alone leaves the group pending")
	assert.Zero(t, f.quarantine.Len(), "staging did not run")

	// a pending group blocks a resolution-only invocation
	_, err = run(PhaseResolution)
	require.ErrorContains(t, err, "refusing to resolve duplicates")

	_, err = run(PhaseStaging)
	require.NoError(t, err)
	staged, err := f.repo.ListByStatus(ctx, "run-1", duplicate.StatusStaged)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	_, err = run(PhaseVerification)
	require.NoError(t, err)

	_, err = run(PhaseResolution)
	require.NoError(t, err)
	assert.False(t, f.records.Has("d1"))
	assert.True(t, f.records.Has("d2"))

	_, err = run(PhaseCleanup)
	require.NoError(t, err)
	completed, err := f.repo.ListByStatus(ctx, "run-1", duplicate.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Empty(t, completed[0].TempPath)
}
