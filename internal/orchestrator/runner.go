package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/duplicate"
	"github.com/csabourin/do-migration-sub006/internal/inventory"
	"github.com/csabourin/do-migration-sub006/internal/matcher"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"github.com/csabourin/do-migration-sub006/internal/pkg/workerpool"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/runlock"
	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// Phase names, in execution order.
const (
	PhaseInventory     = "inventory"
	PhaseLinkRepair    = "link_repair"
	PhaseDupAnalysis   = "duplicate_analysis"
	PhaseStaging       = "staging"
	PhaseVerification  = "verification"
	PhaseResolution    = "resolution"
	PhaseConsolidation = "consolidation"
	PhaseCleanup       = "cleanup"
)

// RunConfig tunes one reconciliation run.
type RunConfig struct {
	RunID string
	// Containers restricts the run to the named backends; empty means all.
	Containers []string

	BatchSize int
	// Workers above 1 parallelizes independent records within a batch.
	Workers int

	// TargetContainerID and TargetParentPath name the consolidation target.
	// The consolidation phase is skipped when no target is configured.
	TargetContainerID string
	TargetParentPath  string

	// Phases restricts the run to the named phases; empty means the full
	// sequence. The inventory build and orphan report always run.
	Phases []string

	DryRun bool
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	Records  record.Store
	Gateways map[string]storage.Gateway
	// Quarantine is the holding-area gateway; records quarantined by earlier
	// runs carry its name as their container id.
	Quarantine storage.Gateway
	Builder    *inventory.Builder
	Matcher    *matcher.Matcher
	Duplicates *duplicate.Engine
	Mover      *Mover
	Controller *checkpoint.Controller
	Lock       *runlock.RunLock
	Sink       audit.Sink
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

// Summary is the final accounting of one run.
type Summary struct {
	RunID string

	Records int
	Files   int

	LinksRepaired   int
	LinksUnresolved int

	DuplicateGroups  int
	TempFilesRemoved int

	Consolidated map[Outcome]int

	OrphanFiles int
}

// Runner executes the phase sequence of a reconciliation run. Cancellation
// is honored between batches; in-flight record transactions complete.
type Runner struct {
	cfg  RunConfig
	deps Deps

	logger *logger.Logger
}

// NewRunner wires a runner
func NewRunner(cfg RunConfig, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Sink == nil {
		deps.Sink = audit.NopSink{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{cfg: cfg, deps: deps, logger: deps.Logger.Named("runner")}
}

// gatewayFor resolves a container id against the configured backends and
// the holding area, mirroring the mover's lookup.
func (r *Runner) gatewayFor(containerID string) (storage.Gateway, bool) {
	if gw, ok := r.deps.Gateways[containerID]; ok {
		return gw, true
	}
	if q := r.deps.Quarantine; q != nil && q.Name() == containerID {
		return q, true
	}
	return nil, false
}

func (r *Runner) phaseEnabled(name string) bool {
	if len(r.cfg.Phases) == 0 {
		return true
	}
	for _, p := range r.cfg.Phases {
		if p == name {
			return true
		}
	}
	return false
}

// Run drives every phase and returns the final summary. A *checkpoint.
// HaltError is returned when the error budget stops the run; its message
// carries the resume command.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	if r.deps.Lock != nil {
		if err := r.deps.Lock.Acquire(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err := r.deps.Lock.Release(context.Background()); err != nil {
				r.logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	summary := &Summary{
		RunID:        r.cfg.RunID,
		Consolidated: make(map[Outcome]int),
	}

	// inventory
	recs, files, idx, err := r.buildInventories(ctx)
	if err != nil {
		return nil, err
	}
	summary.Records = len(recs)
	summary.Files = len(files)

	entries := sortedEntries(recs)

	// link repair
	if r.phaseEnabled(PhaseLinkRepair) {
		if err := r.repairLinks(ctx, entries, idx, summary); err != nil {
			return summary, err
		}
	}

	duplicates := r.phaseEnabled(PhaseDupAnalysis) || r.phaseEnabled(PhaseStaging) ||
		r.phaseEnabled(PhaseVerification) || r.phaseEnabled(PhaseResolution)
	if duplicates {
		// duplicate lifecycle runs on the post-repair catalog
		recs, err = r.deps.Builder.BuildRecordInventory(ctx, r.cfg.Containers)
		if err != nil {
			return summary, err
		}
		entries = sortedEntries(recs)
	}

	if r.phaseEnabled(PhaseDupAnalysis) {
		groups, err := r.deps.Duplicates.Analyze(ctx, entries)
		if err != nil {
			return summary, err
		}
		summary.DuplicateGroups = groups
	}
	if r.phaseEnabled(PhaseStaging) {
		if err := r.deps.Duplicates.Stage(ctx); err != nil {
			return summary, err
		}
	}
	// resolution never runs without the safety gate, even when only the
	// resolution phase was requested
	if r.phaseEnabled(PhaseVerification) || r.phaseEnabled(PhaseResolution) {
		if err := r.deps.Duplicates.VerifySafety(ctx); err != nil {
			return summary, err
		}
	}
	if r.phaseEnabled(PhaseResolution) {
		if err := r.deps.Duplicates.SelectPrimaries(ctx); err != nil {
			return summary, err
		}
		if err := r.deps.Duplicates.Resolve(ctx); err != nil {
			return summary, err
		}
	}

	// consolidation
	if r.phaseEnabled(PhaseConsolidation) {
		if err := r.consolidate(ctx, entries, summary); err != nil {
			return summary, err
		}
	}

	// cleanup
	if r.phaseEnabled(PhaseCleanup) {
		removed, err := r.deps.Duplicates.Cleanup(ctx)
		if err != nil {
			return summary, err
		}
		summary.TempFilesRemoved = removed
	}

	orphans, err := r.reportOrphans(ctx, entries, files)
	if err != nil {
		return summary, err
	}
	summary.OrphanFiles = orphans

	var expected, critical int
	if r.deps.Controller != nil {
		if err := r.deps.Controller.Checkpoint(ctx); err != nil {
			return summary, err
		}
		expected, critical = r.deps.Controller.Budget().Totals()
	}
	r.logger.Info("run finished",
		zap.String("run_id", r.cfg.RunID),
		zap.Int("records", summary.Records),
		zap.Int("files", summary.Files),
		zap.Int("links_repaired", summary.LinksRepaired),
		zap.Int("links_unresolved", summary.LinksUnresolved),
		zap.Int("duplicate_groups", summary.DuplicateGroups),
		zap.Int("orphan_files", summary.OrphanFiles),
		zap.Int("expected_errors", expected),
		zap.Int("critical_errors", critical),
	)
	return summary, nil
}

func (r *Runner) buildInventories(ctx context.Context) (map[string]record.Entry, []inventory.FileEntry, *inventory.Indexes, error) {
	recs, err := r.deps.Builder.BuildRecordInventory(ctx, r.cfg.Containers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("inventory failed: %w", err)
	}
	files, err := r.deps.Builder.BuildFileInventory(ctx, r.cfg.Containers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("inventory failed: %w", err)
	}
	return recs, files, inventory.BuildIndexes(files), nil
}

func sortedEntries(recs map[string]record.Entry) []record.Entry {
	out := make([]record.Entry, 0, len(recs))
	for _, e := range recs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// repairLinks walks every record in batches and repoints broken links at
// the best matching file.
func (r *Runner) repairLinks(ctx context.Context, entries []record.Entry, idx *inventory.Indexes, summary *Summary) error {
	ctrl := r.deps.Controller
	if ctrl != nil {
		if err := ctrl.BeginPhase(ctx, PhaseLinkRepair); err != nil {
			return err
		}
	}

	var repaired, unresolved atomic.Int64
	process := func(rec record.Entry) error {
		ok, err := r.repairRecord(ctx, rec, idx)
		if ok {
			repaired.Add(1)
		}
		if err != nil {
			var halt *checkpoint.HaltError
			if errors.As(err, &halt) {
				return err
			}
			unresolved.Add(1)
		}
		return nil
	}

	err := r.forEachBatch(ctx, entries, process)
	summary.LinksRepaired = int(repaired.Load())
	summary.LinksUnresolved = int(unresolved.Load())
	return err
}

// forEachBatch runs fn per record with checkpoint bookkeeping, honoring
// cancellation at batch boundaries. fn returning an error aborts the run;
// per-record failures are absorbed inside fn.
func (r *Runner) forEachBatch(ctx context.Context, entries []record.Entry, fn func(record.Entry) error) error {
	ctrl := r.deps.Controller

	var pool *workerpool.Pool
	if r.cfg.Workers > 1 {
		var err error
		pool, err = workerpool.New(&workerpool.Config{Workers: r.cfg.Workers}, r.logger.Logger)
		if err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer pool.Release()
	}

	for start := 0; start < len(entries); start += r.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + r.cfg.BatchSize
		if end > len(entries) {
			end = len(entries)
		}

		var haltErr error
		for _, rec := range entries[start:end] {
			rec := rec
			if ctrl != nil && ctrl.IsProcessed(rec.ID) {
				continue
			}

			if pool == nil {
				if err := fn(rec); err != nil {
					haltErr = err
					break
				}
				if ctrl != nil {
					ctrl.MarkProcessed(rec.ID)
				}
				continue
			}

			if err := pool.Submit(func() error {
				if err := fn(rec); err != nil {
					return err
				}
				if ctrl != nil {
					ctrl.MarkProcessed(rec.ID)
				}
				return nil
			}); err != nil {
				return err
			}
		}

		if pool != nil {
			pool.Wait()
			if h := r.haltedNow(); h != nil {
				haltErr = h
			}
		}

		// the checkpoint write is serialized after all workers finish
		if ctrl != nil {
			if err := ctrl.FlushBatch(ctx); err != nil {
				return err
			}
		}
		if haltErr != nil {
			return haltErr
		}
	}
	return nil
}

func (r *Runner) haltedNow() error {
	if r.deps.Controller == nil {
		return nil
	}
	if h := r.deps.Controller.Halted(); h != nil {
		return h
	}
	return nil
}

// repairRecord returns repaired=true when the link was fixed. The error is
// non-nil for unresolved or failed records; only a *checkpoint.HaltError
// stops the run.
func (r *Runner) repairRecord(ctx context.Context, rec record.Entry, idx *inventory.Indexes) (bool, error) {
	gw, ok := r.gatewayFor(rec.ContainerID)
	if !ok {
		return false, r.budget("unknown_container", rec.ID,
			fmt.Errorf("record %s points at unconfigured container %s", rec.ID, rec.ContainerID))
	}

	exists, err := gw.Exists(ctx, objectPath(rec))
	if err != nil {
		return false, r.budget("storage_error", rec.ID, err)
	}
	if exists {
		r.countRecord(PhaseLinkRepair, OutcomeAlreadyDone)
		return false, nil
	}

	res := r.deps.Matcher.FindFileForRecord(rec, idx)
	if !res.Found {
		if res.RejectedCandidate != nil {
			if err := r.deps.Sink.Append(ctx, audit.Change{
				Type:     audit.TypeMatchRejected,
				RecordID: rec.ID,
				FileKey:  res.RejectedCandidate.Key(),
				RunID:    r.cfg.RunID,
				After: map[string]string{
					"candidate":  res.RejectedCandidate.Path,
					"confidence": fmt.Sprintf("%.3f", res.RejectedScore),
				},
			}); err != nil {
				return false, err
			}
		}
		r.countRecord(PhaseLinkRepair, OutcomeFailed)
		return false, r.budget(checkpoint.OpMissingSourceFile, rec.ID,
			fmt.Errorf("no file found for record %s (%s)", rec.ID, rec.Name))
	}

	if r.cfg.DryRun {
		r.logger.Info("dry run: would repair link",
			zap.String("record_id", rec.ID),
			zap.String("file", res.File.Path),
			zap.String("strategy", string(res.Strategy)),
		)
		return true, nil
	}

	target := record.Location{
		ContainerID: res.File.ContainerID,
		ParentID:    rec.ParentID,
		ParentPath:  res.File.Dir(),
	}
	if err := r.deps.Records.ApplyMove(ctx, rec.ID, target); err != nil {
		return false, r.budget("persist_failed", rec.ID, err)
	}

	if err := r.deps.Sink.Append(ctx, audit.Change{
		Type:     audit.TypeLinkRepaired,
		RecordID: rec.ID,
		FileKey:  res.File.Key(),
		RunID:    r.cfg.RunID,
		Before: map[string]string{
			"container_id": rec.ContainerID,
			"path":         objectPath(rec),
		},
		After: map[string]string{
			"container_id": res.File.ContainerID,
			"path":         res.File.Path,
			"strategy":     string(res.Strategy),
			"confidence":   fmt.Sprintf("%.2f", res.Confidence),
		},
	}); err != nil {
		return false, err
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.MatchesByTier.WithLabelValues(string(res.Strategy)).Inc()
	}
	r.countRecord(PhaseLinkRepair, OutcomeSuccess)
	return true, nil
}

// budget reports one record-level failure. The returned error is the halt
// when a ceiling was crossed, otherwise the original cause.
func (r *Runner) budget(operation, recordID string, cause error) error {
	r.logger.Warn("record failed",
		zap.String("operation", operation),
		zap.String("record_id", recordID),
		zap.Error(cause),
	)
	if r.deps.Controller == nil {
		return cause
	}
	if err := r.deps.Controller.Record(operation, cause.Error(), map[string]string{
		"record_id": recordID,
	}); err != nil {
		return err
	}
	return cause
}

func (r *Runner) countRecord(phase string, outcome Outcome) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordsProcessed.WithLabelValues(phase, string(outcome)).Inc()
	}
}

// consolidate moves every record under the configured target location.
func (r *Runner) consolidate(ctx context.Context, entries []record.Entry, summary *Summary) error {
	if r.cfg.TargetContainerID == "" {
		return nil
	}

	ctrl := r.deps.Controller
	if ctrl != nil {
		if err := ctrl.BeginPhase(ctx, PhaseConsolidation); err != nil {
			return err
		}
	}

	target := record.Location{
		ContainerID: r.cfg.TargetContainerID,
		ParentPath:  r.cfg.TargetParentPath,
	}

	var mu sync.Mutex
	process := func(rec record.Entry) error {
		outcome, err := r.deps.Mover.Consolidate(ctx, MoveRequest{
			RecordID: rec.ID,
			Target:   target,
		})
		mu.Lock()
		summary.Consolidated[outcome]++
		mu.Unlock()
		if err == nil {
			return nil
		}

		op := "move_failed"
		if errors.Is(err, storage.ErrObjectNotFound) {
			op = checkpoint.OpMissingSourceFile
		}
		if berr := r.budget(op, rec.ID, err); berr != nil {
			var halt *checkpoint.HaltError
			if errors.As(berr, &halt) {
				return berr
			}
		}
		return nil
	}

	return r.forEachBatch(ctx, entries, process)
}

// reportOrphans audits files the catalog does not reference
func (r *Runner) reportOrphans(ctx context.Context, entries []record.Entry, files []inventory.FileEntry) (int, error) {
	referenced := make(map[string]bool, len(entries))
	for _, rec := range entries {
		if gw, ok := r.gatewayFor(rec.ContainerID); ok {
			referenced[storage.FileKey(gw, objectPath(rec))] = true
		}
	}

	orphans := 0
	for _, f := range files {
		if referenced[f.Key()] {
			continue
		}
		orphans++
		if err := r.deps.Sink.Append(ctx, audit.Change{
			Type:    audit.TypeOrphanReported,
			FileKey: f.Key(),
			RunID:   r.cfg.RunID,
			After: map[string]string{
				"container_id": f.ContainerID,
				"path":         f.Path,
				"bytes":        fmt.Sprintf("%d", f.Size),
			},
		}); err != nil {
			return orphans, err
		}
	}

	if orphans > 0 {
		r.logger.Info("orphaned files reported", zap.Int("count", orphans))
	}
	return orphans, nil
}
