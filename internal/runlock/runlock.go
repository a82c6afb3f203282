// Package runlock holds the exclusive ownership lock for a reconciliation
// run and keeps it alive while batches execute.
package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csabourin/do-migration-sub006/internal/conf"
	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
)

// Locker is the lock primitive surface the run lock needs. Satisfied by
// the redis client.
type Locker interface {
	Lock(ctx context.Context, key string, expiration time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
	RefreshLock(ctx context.Context, key, token string, expiration time.Duration) error
}

// RunLock owns one distributed lock for the duration of a run. Acquire
// starts a refresh loop; a failed refresh is logged and retried on the next
// tick, never fatal to the run.
type RunLock struct {
	locker Locker
	cfg    conf.LockConfig
	logger *logger.Logger

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

// New builds a RunLock. A nil locker or a disabled config yields a no-op
// lock so callers never branch.
func New(locker Locker, cfg conf.LockConfig, log *logger.Logger) *RunLock {
	if log == nil {
		log = logger.Nop()
	}
	return &RunLock{locker: locker, cfg: cfg, logger: log}
}

func (l *RunLock) enabled() bool {
	return l.locker != nil && l.cfg.Enabled
}

// Acquire takes the lock and starts the background refresh loop. It fails
// when another owner holds the lock.
func (l *RunLock) Acquire(ctx context.Context) error {
	if !l.enabled() {
		return nil
	}

	token, err := l.locker.Lock(ctx, l.cfg.Key, l.cfg.TTL)
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}

	l.mu.Lock()
	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	stop, done := l.stop, l.done
	l.mu.Unlock()

	l.logger.Info("run lock acquired",
		zap.String("key", l.cfg.Key),
		zap.Duration("ttl", l.cfg.TTL),
	)

	go l.refreshLoop(token, stop, done)
	return nil
}

func (l *RunLock) refreshLoop(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.locker.RefreshLock(ctx, l.cfg.Key, token, l.cfg.TTL)
			cancel()
			if err != nil {
				l.logger.Warn("run lock refresh failed",
					zap.String("key", l.cfg.Key),
					zap.Error(err),
				)
			}
		}
	}
}

// Release stops the refresh loop and gives the lock up
func (l *RunLock) Release(ctx context.Context) error {
	if !l.enabled() {
		return nil
	}

	l.mu.Lock()
	token := l.token
	stop, done := l.stop, l.done
	l.token = ""
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if token == "" {
		return nil
	}

	close(stop)
	<-done

	if err := l.locker.Unlock(ctx, l.cfg.Key, token); err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	l.logger.Info("run lock released", zap.String("key", l.cfg.Key))
	return nil
}
