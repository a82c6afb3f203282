package inventory

import "time"

// Progress is one progress report emitted during a build
type Progress struct {
	Processed  int64
	Total      int64
	ETASeconds float64
}

// ProgressFunc receives progress reports. Implementations may be slow; the
// notifier drops reports rather than block the scan.
type ProgressFunc func(Progress)

// progressNotifier delivers reports to a ProgressFunc on its own goroutine,
// dropping reports when the observer lags.
type progressNotifier struct {
	ch      chan Progress
	done    chan struct{}
	started time.Time
	total   int64
}

func newProgressNotifier(fn ProgressFunc, total int64) *progressNotifier {
	n := &progressNotifier{
		ch:      make(chan Progress, 8),
		done:    make(chan struct{}),
		started: time.Now(),
		total:   total,
	}

	go func() {
		defer close(n.done)
		for p := range n.ch {
			if fn != nil {
				fn(p)
			}
		}
	}()

	return n
}

// report emits a progress update, never blocking
func (n *progressNotifier) report(processed int64) {
	p := Progress{Processed: processed, Total: n.total}

	if processed > 0 && n.total > 0 {
		elapsed := time.Since(n.started).Seconds()
		rate := float64(processed) / elapsed
		if rate > 0 {
			p.ETASeconds = float64(n.total-processed) / rate
		}
	}

	select {
	case n.ch <- p:
	default: // observer is slow, drop the report
	}
}

// close drains and stops the notifier goroutine
func (n *progressNotifier) close() {
	close(n.ch)
	<-n.done
}
