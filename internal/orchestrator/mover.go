package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/csabourin/do-migration-sub006/internal/audit"
	"github.com/csabourin/do-migration-sub006/internal/migrate"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// MoveRequest asks for one record to be relocated to a target location.
type MoveRequest struct {
	RecordID string
	Target   record.Location
}

// Mover executes single-record relocations. Each call is self-contained:
// reload, short-circuit when already applied, move the physical file, then
// commit the catalog change. A failed commit rolls the physical move back.
type Mover struct {
	records    record.Store
	gateways   map[string]storage.Gateway
	quarantine storage.Gateway
	copier     *migrate.Copier
	sink       audit.Sink
	metrics    *metrics.Metrics
	logger     *logger.Logger
	runID      string
	dryRun     bool
}

// NewMover wires a Mover. quarantine may be nil when no holding area is
// configured.
func NewMover(
	records record.Store,
	gateways map[string]storage.Gateway,
	quarantine storage.Gateway,
	copier *migrate.Copier,
	sink audit.Sink,
	m *metrics.Metrics,
	log *logger.Logger,
	runID string,
	dryRun bool,
) *Mover {
	if log == nil {
		log = logger.Nop()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Mover{
		records:    records,
		gateways:   gateways,
		quarantine: quarantine,
		copier:     copier,
		sink:       sink,
		metrics:    m,
		logger:     log,
		runID:      runID,
		dryRun:     dryRun,
	}
}

func objectPath(e record.Entry) string {
	return storage.CanonicalPath(path.Join(e.ParentPath, e.Name))
}

func (mv *Mover) gatewayFor(containerID string) (storage.Gateway, error) {
	if g, ok := mv.gateways[containerID]; ok {
		return g, nil
	}
	if mv.quarantine != nil && mv.quarantine.Name() == containerID {
		return mv.quarantine, nil
	}
	return nil, fmt.Errorf("container %s has no configured gateway", containerID)
}

// Consolidate moves one record to the target location. The returned error
// carries the cause on OutcomeFailed; the caller decides how to budget it.
func (mv *Mover) Consolidate(ctx context.Context, req MoveRequest) (Outcome, error) {
	return mv.move(ctx, req, audit.TypeRecordMoved)
}

// Quarantine relocates one record into the holding area, under a folder
// named after its current container.
func (mv *Mover) Quarantine(ctx context.Context, recordID string) (Outcome, error) {
	if mv.quarantine == nil {
		return OutcomeFailed, errors.New("no quarantine backend configured")
	}

	rec, err := mv.records.Get(ctx, recordID)
	if errors.Is(err, record.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to reload record %s: %w", recordID, err)
	}

	return mv.move(ctx, MoveRequest{
		RecordID: recordID,
		Target: record.Location{
			ContainerID: mv.quarantine.Name(),
			ParentPath:  path.Join("held", rec.ContainerID),
		},
	}, audit.TypeRecordQuarantined)
}

func (mv *Mover) move(ctx context.Context, req MoveRequest, changeType string) (Outcome, error) {
	// reload first: a previous partial run may have already moved it
	rec, err := mv.records.Get(ctx, req.RecordID)
	if errors.Is(err, record.ErrNotFound) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("failed to reload record %s: %w", req.RecordID, err)
	}
	if rec.At(req.Target) {
		return OutcomeAlreadyDone, nil
	}

	srcGw, err := mv.gatewayFor(rec.ContainerID)
	if err != nil {
		return OutcomeFailed, err
	}
	dstGw, err := mv.gatewayFor(req.Target.ContainerID)
	if err != nil {
		return OutcomeFailed, err
	}

	srcPath := objectPath(rec)
	dstPath := storage.CanonicalPath(path.Join(req.Target.ParentPath, rec.Name))

	if mv.dryRun {
		mv.logger.Info("dry run: would move record",
			zap.String("record_id", rec.ID),
			zap.String("from", storage.FileKey(srcGw, srcPath)),
			zap.String("to", storage.FileKey(dstGw, dstPath)),
		)
		return OutcomeSuccess, nil
	}

	rollback, finalize, err := mv.movePhysical(ctx, srcGw, srcPath, dstGw, dstPath)
	if err != nil {
		return OutcomeFailed, err
	}

	if err := mv.records.ApplyMove(ctx, rec.ID, req.Target); err != nil {
		if rbErr := rollback(ctx); rbErr != nil {
			mv.logger.Error("rollback of physical move failed",
				zap.String("record_id", rec.ID),
				zap.Error(rbErr),
			)
		}
		return OutcomeFailed, fmt.Errorf("failed to commit move of %s: %w", rec.ID, err)
	}

	finalize(ctx)

	if err := mv.sink.Append(ctx, audit.Change{
		Type:     changeType,
		RecordID: rec.ID,
		RunID:    mv.runID,
		Before: map[string]string{
			"container_id": rec.ContainerID,
			"path":         srcPath,
		},
		After: map[string]string{
			"container_id": req.Target.ContainerID,
			"path":         dstPath,
		},
	}); err != nil {
		return OutcomeFailed, err
	}

	if mv.metrics != nil {
		mv.metrics.RecordsProcessed.WithLabelValues("consolidation", string(OutcomeSuccess)).Inc()
	}
	return OutcomeSuccess, nil
}

// movePhysical relocates the file and returns a rollback that undoes the
// physical change plus a finalize that runs after the catalog commit.
// Identical source and destination keys need no physical work.
func (mv *Mover) movePhysical(ctx context.Context, srcGw storage.Gateway, srcPath string, dstGw storage.Gateway, dstPath string) (rollback func(context.Context) error, finalize func(context.Context), err error) {
	noopRollback := func(context.Context) error { return nil }
	noopFinalize := func(context.Context) {}

	if storage.FileKey(srcGw, srcPath) == storage.FileKey(dstGw, dstPath) {
		return noopRollback, noopFinalize, nil
	}

	// same gateway: prefer the native move primitive
	if srcGw == dstGw {
		if nm, ok := srcGw.(storage.NativeMover); ok {
			err := nm.Move(ctx, srcPath, dstPath)
			if err == nil {
				return func(ctx context.Context) error {
					return nm.Move(ctx, dstPath, srcPath)
				}, noopFinalize, nil
			}
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, nil, err
			}
			mv.logger.Warn("native move failed, falling back to copy",
				zap.String("from", srcPath),
				zap.String("to", dstPath),
				zap.Error(err),
			)
		}
	}

	strategy := migrate.SelectStrategy(srcGw, dstGw)
	if _, err := mv.copier.Copy(ctx, srcGw, srcPath, dstGw, dstPath, strategy); err != nil {
		return nil, nil, err
	}

	rollback = func(ctx context.Context) error {
		return dstGw.Delete(ctx, dstPath)
	}
	// the source copy goes away only once the catalog points at the new
	// location; a leftover source is an orphan, not corruption
	finalize = func(ctx context.Context) {
		if err := srcGw.Delete(ctx, srcPath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			mv.logger.Warn("failed to remove moved source file",
				zap.String("path", srcPath),
				zap.Error(err),
			)
		}
	}
	return rollback, finalize, nil
}
