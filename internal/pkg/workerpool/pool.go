package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Config defines worker pool configuration
type Config struct {
	Workers   int           // number of workers, 1 disables parallelism
	QueueSize int           // pending task buffer
	Expiry    time.Duration // idle worker expiry
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:   1,
		QueueSize: 256,
		Expiry:    time.Minute,
	}
}

// Statistics tracks pool activity
type Statistics struct {
	Submitted atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
}

// Pool wraps an ants pool with wait-group semantics so batches can be
// joined before a checkpoint is written.
type Pool struct {
	pool   *ants.Pool
	stats  Statistics
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a worker pool
func New(cfg *Config, log *zap.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	p, err := ants.NewPool(cfg.Workers,
		ants.WithExpiryDuration(cfg.Expiry),
		ants.WithMaxBlockingTasks(cfg.QueueSize),
	)
	if err != nil {
		return nil, err
	}

	return &Pool{
		pool:   p,
		logger: log,
	}, nil
}

// Submit schedules fn on the pool. It blocks when the queue is full, which
// gives natural backpressure to the batch driver.
func (p *Pool) Submit(fn func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.stats.Submitted.Add(1)

	err := p.pool.Submit(func() {
		defer p.wg.Done()
		if err := fn(); err != nil {
			p.stats.Failed.Add(1)
			if p.logger != nil {
				p.logger.Debug("pool task failed", zap.Error(err))
			}
			return
		}
		p.stats.Completed.Add(1)
	})
	if err != nil {
		p.wg.Done()
		return err
	}
	return nil
}

// Wait blocks until every submitted task has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// WaitContext blocks until every task finishes or ctx is cancelled
func (p *Pool) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool statistics
func (p *Pool) Stats() (submitted, completed, failed int64) {
	return p.stats.Submitted.Load(), p.stats.Completed.Load(), p.stats.Failed.Load()
}

// Running returns the number of currently running workers
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release shuts the pool down after draining in-flight tasks
func (p *Pool) Release() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Release()
}
