package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"go.uber.org/zap"
)

// HaltError is the run-terminating condition raised when an error ceiling is
// crossed. It is a deliberate stop, not a crash: the message carries the last
// good checkpoint and the literal resume invocation.
type HaltError struct {
	RunID  string
	Phase  string
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf(
		"run halted: %s. Last checkpoint: run %s phase %s. Resume with: reconcile resume --run-id %s --phase %s",
		e.Reason, e.RunID, e.Phase, e.RunID, e.Phase,
	)
}

// Payload is the free-form progress blob written with every full checkpoint
type Payload struct {
	Phase     string    `json:"phase"`
	Processed int       `json:"processed"`
	Batches   int       `json:"batches"`
	Expected  int       `json:"expected_errors"`
	Critical  int       `json:"critical_errors"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Controller owns the processed-id set, the error budget, and checkpoint
// cadence for one run. It is constructed once per run by the top-level driver
// and passed into every orchestrator call.
type Controller struct {
	store   Store
	budget  *Budget
	metrics *metrics.Metrics
	logger  *logger.Logger

	runID string

	// full checkpoint every checkpointEvery batch flushes
	checkpointEvery int

	mu        sync.Mutex
	phase     string
	processed map[string]bool
	pending   []string
	batches   int
	halted    *HaltError
}

// NewController creates a controller for one run
func NewController(store Store, budget *Budget, runID string, checkpointEvery int, m *metrics.Metrics, log *logger.Logger) *Controller {
	if checkpointEvery <= 0 {
		checkpointEvery = 1
	}
	return &Controller{
		store:           store,
		budget:          budget,
		metrics:         m,
		logger:          log.Named("checkpoint"),
		runID:           runID,
		checkpointEvery: checkpointEvery,
		processed:       make(map[string]bool),
	}
}

// RunID returns the run identity
func (c *Controller) RunID() string {
	return c.runID
}

// BeginPhase loads the durable processed set for a phase. Ids already present
// will be skipped without re-evaluation.
func (c *Controller) BeginPhase(ctx context.Context, phase string) error {
	ids, err := c.store.LoadProcessed(ctx, c.runID, phase)
	if err != nil {
		return fmt.Errorf("failed to begin phase %s: %w", phase, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.phase = phase
	c.processed = make(map[string]bool, len(ids))
	for _, id := range ids {
		c.processed[id] = true
	}
	c.pending = nil
	c.batches = 0

	c.logger.Info("phase started",
		zap.String("run_id", c.runID),
		zap.String("phase", phase),
		zap.Int("already_processed", len(ids)),
	)
	return nil
}

// IsProcessed reports whether a record id was already completed in this phase
func (c *Controller) IsProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed[id]
}

// MarkProcessed records completed ids in memory; they become durable on the
// next FlushBatch.
func (c *Controller) MarkProcessed(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if !c.processed[id] {
			c.processed[id] = true
			c.pending = append(c.pending, id)
		}
	}
}

// FlushBatch merges pending ids into the durable set and writes a full
// checkpoint every Nth flush. A checkpoint persistence failure is critical.
func (c *Controller) FlushBatch(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.batches++
	batches := c.batches
	phase := c.phase
	processed := len(c.processed)
	c.mu.Unlock()

	if len(pending) > 0 {
		if err := c.store.MergeProcessed(ctx, c.runID, phase, pending); err != nil {
			return fmt.Errorf("checkpoint persistence failed: %w", err)
		}
	}

	if batches%c.checkpointEvery == 0 {
		if err := c.writeCheckpoint(ctx, phase, processed, batches); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint forces a full checkpoint write regardless of cadence
func (c *Controller) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	phase := c.phase
	processed := len(c.processed)
	batches := c.batches
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		if err := c.store.MergeProcessed(ctx, c.runID, phase, pending); err != nil {
			return fmt.Errorf("checkpoint persistence failed: %w", err)
		}
	}
	return c.writeCheckpoint(ctx, phase, processed, batches)
}

func (c *Controller) writeCheckpoint(ctx context.Context, phase string, processed, batches int) error {
	expected, critical := c.budget.Totals()
	payload, err := json.Marshal(Payload{
		Phase:     phase,
		Processed: processed,
		Batches:   batches,
		Expected:  expected,
		Critical:  critical,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := c.store.SaveCheckpoint(ctx, c.runID, phase, payload); err != nil {
		return fmt.Errorf("checkpoint persistence failed: %w", err)
	}

	if c.metrics != nil {
		c.metrics.CheckpointWrites.Inc()
	}
	c.logger.Debug("checkpoint written",
		zap.String("phase", phase),
		zap.Int("processed", processed),
		zap.Int("batches", batches),
	)
	return nil
}

// Record adds an error to the budget. It returns a *HaltError once a ceiling
// is crossed; every later call keeps returning it.
func (c *Controller) Record(operation, message string, context map[string]string) error {
	c.mu.Lock()
	if c.halted != nil {
		halted := c.halted
		c.mu.Unlock()
		return halted
	}
	phase := c.phase
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ErrorsByType.WithLabelValues(operation).Inc()
	}

	exceeded, reason := c.budget.Record(operation, message, context)
	if !exceeded {
		return nil
	}

	halt := &HaltError{RunID: c.runID, Phase: phase, Reason: reason}

	c.mu.Lock()
	c.halted = halt
	c.mu.Unlock()

	c.logger.Error("error budget exceeded, halting run",
		zap.String("run_id", c.runID),
		zap.String("phase", phase),
		zap.String("reason", reason),
	)
	return halt
}

// Halted returns the halt condition if one was raised
func (c *Controller) Halted() *HaltError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Budget exposes the underlying error budget for reporting
func (c *Controller) Budget() *Budget {
	return c.budget
}
