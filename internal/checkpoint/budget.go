// Package checkpoint makes batch runs resumable: durable processed-id sets,
// periodic checkpoint writes, and error budgeting that halts a run before it
// can do systemic damage.
package checkpoint

import (
	"fmt"
	"sync"
	"time"
)

// OpMissingSourceFile is the only expected error type: a source file absent
// at its recorded path. Everything else counts toward the critical ceiling.
const OpMissingSourceFile = "missing_source_file"

// ErrorEntry is one recorded error with its context
type ErrorEntry struct {
	Operation string
	Message   string
	Context   map[string]string
	At        time.Time
}

// Budget accumulates errors per operation type. Counters reset only at
// process start, never mid-run.
type Budget struct {
	mu      sync.Mutex
	entries map[string][]ErrorEntry

	expectedMissing int // configured count of files known to be missing
	slack           int // margin on top of the expected count
	threshold       int // global/critical ceiling
}

// NewBudget creates an error budget.
// The expected ceiling is max(expectedMissing+slack, threshold); the critical
// ceiling is threshold.
func NewBudget(expectedMissing, slack, threshold int) *Budget {
	return &Budget{
		entries:         make(map[string][]ErrorEntry),
		expectedMissing: expectedMissing,
		slack:           slack,
		threshold:       threshold,
	}
}

// Record stores one error under its operation type and reports whether a
// ceiling has been crossed.
func (b *Budget) Record(operation, message string, context map[string]string) (exceeded bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[operation] = append(b.entries[operation], ErrorEntry{
		Operation: operation,
		Message:   message,
		Context:   context,
		At:        time.Now(),
	})

	return b.exceededLocked()
}

func (b *Budget) exceededLocked() (bool, string) {
	expected := len(b.entries[OpMissingSourceFile])
	critical := 0
	for op, list := range b.entries {
		if op != OpMissingSourceFile {
			critical += len(list)
		}
	}

	expectedCeiling := b.expectedMissing + b.slack
	if b.threshold > expectedCeiling {
		expectedCeiling = b.threshold
	}

	if expected > expectedCeiling {
		return true, fmt.Sprintf("missing source files (%d) exceeded the expected ceiling (%d)", expected, expectedCeiling)
	}
	if critical > b.threshold {
		return true, fmt.Sprintf("critical errors (%d) exceeded the threshold (%d)", critical, b.threshold)
	}
	return false, ""
}

// Count returns the number of errors recorded for one operation type
func (b *Budget) Count(operation string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries[operation])
}

// Totals returns the expected and critical error counts
func (b *Budget) Totals() (expected, critical int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	expected = len(b.entries[OpMissingSourceFile])
	for op, list := range b.entries {
		if op != OpMissingSourceFile {
			critical += len(list)
		}
	}
	return expected, critical
}

// Entries returns a copy of the recorded errors for one operation type
func (b *Budget) Entries(operation string) []ErrorEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ErrorEntry(nil), b.entries[operation]...)
}
