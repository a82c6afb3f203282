package duplicate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/checkpoint"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// claimStaleAfter is how long a worker's claim on a group is honored before
// another worker may take it over.
const claimStaleAfter = 15 * time.Minute

// Config holds the engine's tuning. Patterns are matched case-insensitively
// as substrings.
type Config struct {
	RunID    string
	WorkerID string

	PriorityFolderPatterns    []string
	PriorityContainerPatterns []string

	DryRun bool
}

// Engine drives the duplicate group lifecycle. Each group moves
// pending, staged, analyzed, completed; every transition is persisted so a
// crashed run resumes where it stopped.
type Engine struct {
	cfg        Config
	records    record.Store
	gateways   map[string]storage.Gateway
	quarantine storage.Gateway
	copier     *migrate.Copier
	repo       Repo
	ctrl       *checkpoint.Controller
	sink       audit.Sink
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewEngine wires a duplicate engine
func NewEngine(
	cfg Config,
	records record.Store,
	gateways map[string]storage.Gateway,
	quarantine storage.Gateway,
	copier *migrate.Copier,
	repo Repo,
	ctrl *checkpoint.Controller,
	sink audit.Sink,
	m *metrics.Metrics,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Engine{
		cfg:        cfg,
		records:    records,
		gateways:   gateways,
		quarantine: quarantine,
		copier:     copier,
		repo:       repo,
		ctrl:       ctrl,
		sink:       sink,
		metrics:    m,
		logger:     log,
	}
}

// objectPath returns the entry's object path within its container gateway
func objectPath(e record.Entry) string {
	return storage.CanonicalPath(path.Join(e.ParentPath, e.Name))
}

// gatewayFor resolves a record's container gateway. Records a previous run
// moved into the holding area carry the quarantine gateway's name as their
// container id, so the holding area participates in the lookup.
func (e *Engine) gatewayFor(containerID string) (storage.Gateway, bool) {
	if gw, ok := e.gateways[containerID]; ok {
		return gw, true
	}
	if e.quarantine != nil && e.quarantine.Name() == containerID {
		return e.quarantine, true
	}
	return nil, false
}

// Analyze groups the given records by physical file key and persists one
// pending group per file shared by two or more records. Re-running leaves
// existing groups untouched.
func (e *Engine) Analyze(ctx context.Context, entries []record.Entry) (int, error) {
	type bucket struct {
		key     string
		members []string
	}
	byKey := make(map[string]*bucket)
	var order []string

	for _, rec := range entries {
		gw, ok := e.gatewayFor(rec.ContainerID)
		if !ok {
			e.logger.Warn("record points at an unconfigured container",
				zap.String("record_id", rec.ID),
				zap.String("container_id", rec.ContainerID),
			)
			continue
		}
		key := storage.FileKey(gw, objectPath(rec))
		b, ok := byKey[key]
		if !ok {
			b = &bucket{key: key}
			byKey[key] = b
			order = append(order, key)
		}
		b.members = append(b.members, rec.ID)
	}

	created := 0
	for _, key := range order {
		b := byKey[key]
		if len(b.members) < 2 {
			continue
		}
		g := Group{
			RunID:     e.cfg.RunID,
			FileKey:   b.key,
			Status:    StatusPending,
			MemberIDs: b.members,
		}
		if err := e.repo.Create(ctx, g); err != nil {
			return created, fmt.Errorf("failed to persist duplicate group: %w", err)
		}
		created++
	}

	e.refreshGauges(ctx)
	e.logger.Info("duplicate analysis finished",
		zap.Int("records", len(entries)),
		zap.Int("groups", created),
	)
	return created, nil
}

// stagePath derives the quarantine object path for a group from its file
// key, keeping the original extension for operator readability.
func stagePath(fileKey, name string) string {
	sum := sha256.Sum256([]byte(fileKey))
	return hex.EncodeToString(sum[:])[:32] + strings.ToLower(path.Ext(name))
}

// Stage copies each pending group's physical file into quarantine, hashing
// the bytes in flight, and moves the group to staged. Already staged groups
// are skipped.
func (e *Engine) Stage(ctx context.Context) error {
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending groups: %w", err)
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := e.repo.Claim(ctx, g.RunID, g.FileKey, e.cfg.WorkerID, claimStaleAfter)
		if err != nil {
			return fmt.Errorf("failed to claim group %s: %w", g.FileKey, err)
		}
		if !claimed {
			continue
		}
		if err := e.stageGroup(ctx, g); err != nil {
			return err
		}
	}

	e.refreshGauges(ctx)
	return nil
}

func (e *Engine) stageGroup(ctx context.Context, g Group) error {
	src, srcPath, err := e.firstLiveMember(ctx, g)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			// every member already deleted, nothing left to protect
			g.Status = StatusCompleted
			return e.updateGroup(ctx, g)
		}
		return e.recordFailure("stage_failed", g, err)
	}

	tempPath := stagePath(g.FileKey, srcPath)

	if e.cfg.DryRun {
		e.logger.Info("dry run: would stage file",
			zap.String("file_key", g.FileKey),
			zap.String("temp_path", tempPath),
		)
		return nil
	}

	res, err := e.copier.Copy(ctx, src, srcPath, e.quarantine, tempPath,
		migrate.SelectStrategy(src, e.quarantine))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return e.recordFailure(checkpoint.OpMissingSourceFile, g, err)
		}
		return e.recordFailure("stage_failed", g, err)
	}

	g.TempPath = tempPath
	g.FileHash = res.SHA256
	g.FileSize = res.Bytes
	g.Status = StatusStaged
	if err := e.updateGroup(ctx, g); err != nil {
		return err
	}

	return e.sink.Append(ctx, audit.Change{
		Type:        audit.TypeFileStaged,
		FileKey:     g.FileKey,
		AffectedIDs: g.MemberIDs,
		RunID:       e.cfg.RunID,
		After: map[string]string{
			"temp_path": tempPath,
			"sha256":    res.SHA256,
			"bytes":     fmt.Sprintf("%d", res.Bytes),
		},
	})
}

// firstLiveMember returns the gateway and object path of the first group
// member whose record still exists. record.ErrNotFound means no member
// survives.
func (e *Engine) firstLiveMember(ctx context.Context, g Group) (storage.Gateway, string, error) {
	for _, id := range g.MemberIDs {
		rec, err := e.records.Get(ctx, id)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to load record %s: %w", id, err)
		}
		gw, ok := e.gatewayFor(rec.ContainerID)
		if !ok {
			return nil, "", fmt.Errorf("record %s points at unconfigured container %s", id, rec.ContainerID)
		}
		return gw, objectPath(rec), nil
	}
	return nil, "", record.ErrNotFound
}

// VerifySafety confirms every group has a verified quarantine backup before
// anything destructive runs. Any pending group, or any staged group whose
// backup cannot be found, fails the whole run.
func (e *Engine) VerifySafety(ctx context.Context) error {
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	pending := 0
	missingBackups := 0
	for _, g := range groups {
		switch g.Status {
		case StatusPending:
			pending++
		case StatusStaged, StatusAnalyzed:
			if e.cfg.DryRun {
				continue
			}
			ok, err := e.quarantine.Exists(ctx, g.TempPath)
			if err != nil {
				return fmt.Errorf("failed to verify backup for group %s: %w", g.FileKey, err)
			}
			if !ok {
				e.logger.Error("quarantine backup missing",
					zap.String("file_key", g.FileKey),
					zap.String("temp_path", g.TempPath),
				)
				missingBackups++
			}
		}
	}

	if e.cfg.DryRun {
		e.logger.Info("dry run: safety verification",
			zap.Int("pending", pending),
			zap.Int("groups", len(groups)),
		)
		return nil
	}

	if unsafe := pending + missingBackups; unsafe > 0 {
		return fmt.Errorf(
			"refusing to resolve duplicates: %d unsafe groups (%d pending, %d missing backups)",
			unsafe, pending, missingBackups,
		)
	}
	return nil
}

// SelectPrimaries picks the surviving record for every staged group and
// moves it to analyzed.
func (e *Engine) SelectPrimaries(ctx context.Context) error {
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID, StatusStaged)
	if err != nil {
		return fmt.Errorf("failed to list staged groups: %w", err)
	}

	for _, g := range groups {
		members, err := e.liveMembers(ctx, g)
		if err != nil {
			if rerr := e.recordFailure("select_primary_failed", g, err); rerr != nil {
				return rerr
			}
			continue
		}
		if len(members) == 0 {
			g.Status = StatusCompleted
			if err := e.updateGroup(ctx, g); err != nil {
				return err
			}
			continue
		}

		primary := e.selectPrimary(members)
		g.PrimaryID = primary.ID
		g.Status = StatusAnalyzed
		if err := e.updateGroup(ctx, g); err != nil {
			return err
		}
		e.logger.Debug("primary selected",
			zap.String("file_key", g.FileKey),
			zap.String("primary_id", primary.ID),
			zap.Int("members", len(members)),
		)
	}

	e.refreshGauges(ctx)
	return nil
}

func (e *Engine) liveMembers(ctx context.Context, g Group) ([]record.Entry, error) {
	var out []record.Entry
	for _, id := range g.MemberIDs {
		rec, err := e.records.Get(ctx, id)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load record %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// selectPrimary applies the survivor priority order: priority folder match,
// then priority container match, then highest reference count, then first
// encountered.
func (e *Engine) selectPrimary(members []record.Entry) record.Entry {
	for _, rec := range members {
		if matchesAny(rec.ParentPath, e.cfg.PriorityFolderPatterns) {
			return rec
		}
	}
	for _, rec := range members {
		if gw, ok := e.gatewayFor(rec.ContainerID); ok {
			if matchesAny(gw.Name(), e.cfg.PriorityContainerPatterns) ||
				matchesAny(gw.BucketID(), e.cfg.PriorityContainerPatterns) {
				return rec
			}
		}
	}

	best := members[0]
	for _, rec := range members[1:] {
		if rec.ReferenceCount > best.ReferenceCount {
			best = rec
		}
	}
	return best
}

func matchesAny(s string, patterns []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Resolve collapses every analyzed group onto its primary record. A failing
// record is logged and budgeted, the loop continues, and the group stays
// analyzed so the next run retries the leftovers.
func (e *Engine) Resolve(ctx context.Context) error {
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID, StatusAnalyzed)
	if err != nil {
		return fmt.Errorf("failed to list analyzed groups: %w", err)
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := e.repo.Claim(ctx, g.RunID, g.FileKey, e.cfg.WorkerID, claimStaleAfter)
		if err != nil {
			return fmt.Errorf("failed to claim group %s: %w", g.FileKey, err)
		}
		if !claimed {
			continue
		}
		if err := e.resolveGroup(ctx, g); err != nil {
			return err
		}
	}

	e.refreshGauges(ctx)
	return nil
}

func (e *Engine) resolveGroup(ctx context.Context, g Group) error {
	primary, err := e.records.Get(ctx, g.PrimaryID)
	if err != nil {
		return e.recordFailure("resolve_failed", g, fmt.Errorf("failed to load primary %s: %w", g.PrimaryID, err))
	}

	allResolved := true
	for _, id := range g.MemberIDs {
		if id == g.PrimaryID {
			continue
		}
		loser, err := e.records.Get(ctx, id)
		if errors.Is(err, record.ErrNotFound) {
			continue
		}
		if err != nil {
			allResolved = false
			if rerr := e.recordFailure("resolve_failed", g, err); rerr != nil {
				return rerr
			}
			continue
		}

		if err := e.resolveLoser(ctx, g, primary, loser); err != nil {
			allResolved = false
			if rerr := e.recordFailure("resolve_failed", g, err); rerr != nil {
				return rerr
			}
		}
	}

	if allResolved {
		g.Status = StatusCompleted
		if err := e.updateGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// resolveLoser folds one non-primary record into the primary: references
// transfer, the primary's file is upgraded when the loser's copy is strictly
// larger, and the loser record is deleted. The loser's physical file is
// removed only when nothing else points at it.
func (e *Engine) resolveLoser(ctx context.Context, g Group, primary, loser record.Entry) error {
	if e.cfg.DryRun {
		e.logger.Info("dry run: would resolve duplicate",
			zap.String("file_key", g.FileKey),
			zap.String("primary_id", primary.ID),
			zap.String("loser_id", loser.ID),
		)
		return nil
	}

	if err := e.records.TransferReferences(ctx, loser.ID, primary.ID); err != nil {
		return fmt.Errorf("failed to transfer references from %s to %s: %w", loser.ID, primary.ID, err)
	}
	if err := e.sink.Append(ctx, audit.Change{
		Type:        audit.TypeReferencesMoved,
		RecordID:    loser.ID,
		AffectedIDs: []string{primary.ID},
		RunID:       e.cfg.RunID,
	}); err != nil {
		return err
	}

	loserGw, ok := e.gatewayFor(loser.ContainerID)
	if !ok {
		return fmt.Errorf("loser %s points at unconfigured container %s", loser.ID, loser.ContainerID)
	}
	primaryGw, ok := e.gatewayFor(primary.ContainerID)
	if !ok {
		return fmt.Errorf("primary %s points at unconfigured container %s", primary.ID, primary.ContainerID)
	}

	loserPath := objectPath(loser)
	primaryPath := objectPath(primary)
	loserKey := storage.FileKey(loserGw, loserPath)
	primaryKey := storage.FileKey(primaryGw, primaryPath)

	if loserKey != primaryKey {
		if err := e.maybeUpgradePrimary(ctx, loserGw, loserPath, primaryGw, primaryPath, primary.ID); err != nil {
			return err
		}

		shared, err := e.fileStillReferenced(ctx, loser, g)
		if err != nil {
			return err
		}
		if shared {
			if err := e.sink.Append(ctx, audit.Change{
				Type:     audit.TypeSharedFileRetained,
				RecordID: loser.ID,
				FileKey:  loserKey,
				RunID:    e.cfg.RunID,
			}); err != nil {
				return err
			}
		} else {
			if err := loserGw.Delete(ctx, loserPath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				return fmt.Errorf("failed to delete loser file %s: %w", loserKey, err)
			}
		}
	}

	if err := e.records.Delete(ctx, loser.ID); err != nil {
		return fmt.Errorf("failed to delete loser record %s: %w", loser.ID, err)
	}
	if err := e.sink.Append(ctx, audit.Change{
		Type:     audit.TypeRecordDeleted,
		RecordID: loser.ID,
		FileKey:  loserKey,
		RunID:    e.cfg.RunID,
		Before: map[string]string{
			"container_id": loser.ContainerID,
			"path":         loserPath,
		},
	}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordsProcessed.WithLabelValues("resolution", "resolved").Inc()
	}
	return nil
}

// maybeUpgradePrimary replaces the primary's physical file with the loser's
// when the loser's copy is strictly larger.
func (e *Engine) maybeUpgradePrimary(ctx context.Context, loserGw storage.Gateway, loserPath string, primaryGw storage.Gateway, primaryPath, primaryID string) error {
	loserInfo, err := loserGw.Stat(ctx, loserPath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat loser file %s: %w", loserPath, err)
	}
	primaryInfo, err := primaryGw.Stat(ctx, primaryPath)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("failed to stat primary file %s: %w", primaryPath, err)
	}
	if err == nil && loserInfo.Size <= primaryInfo.Size {
		return nil
	}

	res, err := e.copier.Copy(ctx, loserGw, loserPath, primaryGw, primaryPath,
		migrate.SelectStrategy(loserGw, primaryGw))
	if err != nil {
		return fmt.Errorf("failed to upgrade primary file %s: %w", primaryPath, err)
	}

	return e.sink.Append(ctx, audit.Change{
		Type:     audit.TypePrimaryUpgraded,
		RecordID: primaryID,
		FileKey:  storage.FileKey(primaryGw, primaryPath),
		RunID:    e.cfg.RunID,
		After: map[string]string{
			"bytes":  fmt.Sprintf("%d", res.Bytes),
			"sha256": res.SHA256,
		},
	})
}

// fileStillReferenced reports whether any live record outside the group
// still points at the loser's physical file.
func (e *Engine) fileStillReferenced(ctx context.Context, loser record.Entry, g Group) (bool, error) {
	others, err := e.records.Find(ctx, record.Query{
		ContainerIDs: []string{loser.ContainerID},
		NameLike:     loser.Name,
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up file references: %w", err)
	}

	inGroup := make(map[string]bool, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		inGroup[id] = true
	}

	loserPath := objectPath(loser)
	for _, rec := range others {
		if rec.ID == loser.ID || inGroup[rec.ID] {
			continue
		}
		if objectPath(rec) == loserPath {
			return true, nil
		}
	}
	return false, nil
}

// Cleanup removes quarantine temp files for completed groups. Files backing
// unfinished groups are never touched.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID, StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed groups: %w", err)
	}

	removed := 0
	for _, g := range groups {
		if g.TempPath == "" {
			continue
		}
		if e.cfg.DryRun {
			e.logger.Info("dry run: would remove temp file", zap.String("temp_path", g.TempPath))
			continue
		}
		if err := e.quarantine.Delete(ctx, g.TempPath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			if rerr := e.recordFailure("cleanup_failed", g, err); rerr != nil {
				return removed, rerr
			}
			continue
		}
		if err := e.sink.Append(ctx, audit.Change{
			Type:    audit.TypeTempFileRemoved,
			FileKey: g.FileKey,
			RunID:   e.cfg.RunID,
			Before:  map[string]string{"temp_path": g.TempPath},
		}); err != nil {
			return removed, err
		}

		g.TempPath = ""
		if err := e.updateGroup(ctx, g); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (e *Engine) updateGroup(ctx context.Context, g Group) error {
	if err := e.repo.Update(ctx, g); err != nil {
		return fmt.Errorf("failed to update duplicate group %s: %w", g.FileKey, err)
	}
	return nil
}

// recordFailure budgets one group-level failure. The returned error is
// non-nil only when the budget crossed a ceiling and the run must halt.
func (e *Engine) recordFailure(operation string, g Group, cause error) error {
	e.logger.Error("duplicate group operation failed",
		zap.String("operation", operation),
		zap.String("file_key", g.FileKey),
		zap.Error(cause),
	)
	if e.ctrl == nil {
		return nil
	}
	return e.ctrl.Record(operation, cause.Error(), map[string]string{
		"file_key": g.FileKey,
	})
}

// refreshGauges republishes group counts per status
func (e *Engine) refreshGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	groups, err := e.repo.ListByStatus(ctx, e.cfg.RunID)
	if err != nil {
		return
	}
	counts := map[Status]int{}
	for _, g := range groups {
		counts[g.Status]++
	}
	for _, s := range []Status{StatusPending, StatusStaged, StatusAnalyzed, StatusCompleted} {
		e.metrics.GroupsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
