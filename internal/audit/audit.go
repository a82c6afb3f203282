// Package audit records every catalog or storage mutation the engine makes
// as an append-only change stream, for later forensics and manual rollback.
package audit

import (
	"context"
	"sync"
	"time"
)

// Change is one recorded mutation. Before and After hold the fields the
// change touched; either may be nil for create/delete style events.
type Change struct {
	Type        string            `json:"type"`
	RecordID    string            `json:"record_id,omitempty"`
	FileKey     string            `json:"file_key,omitempty"`
	AffectedIDs []string          `json:"affected_ids,omitempty"`
	Before      map[string]string `json:"before,omitempty"`
	After       map[string]string `json:"after,omitempty"`
	RunID       string            `json:"run_id"`
	At          time.Time         `json:"at"`
}

// Change types emitted by the engine.
const (
	TypeLinkRepaired       = "link_repaired"
	TypeRecordMoved        = "record_moved"
	TypeRecordQuarantined  = "record_quarantined"
	TypeReferencesMoved    = "references_transferred"
	TypeRecordDeleted      = "record_deleted"
	TypePrimaryUpgraded    = "primary_file_upgraded"
	TypeSharedFileRetained = "shared_file_retained"
	TypeFileStaged         = "file_staged"
	TypeTempFileRemoved    = "temp_file_removed"
	TypeOrphanReported     = "orphan_reported"
	TypeMatchRejected      = "fuzzy_match_rejected"
)

// Sink accepts change records. Implementations are append-only; the engine
// never reads the stream back during a run.
type Sink interface {
	Append(ctx context.Context, c Change) error
	Close() error
}

// NopSink discards every change. Used when auditing is disabled.
type NopSink struct{}

func (NopSink) Append(ctx context.Context, c Change) error { return nil }
func (NopSink) Close() error                               { return nil }

// MemSink keeps changes in memory. Backs dry runs and tests.
type MemSink struct {
	mu      sync.Mutex
	changes []Change
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Append(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return nil
}

func (s *MemSink) Close() error { return nil }

// Changes returns a copy of everything appended so far
func (s *MemSink) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, len(s.changes))
	copy(out, s.changes)
	return out
}

// ByType returns the appended changes of one type
func (s *MemSink) ByType(changeType string) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Change
	for _, c := range s.changes {
		if c.Type == changeType {
			out = append(out, c)
		}
	}
	return out
}

var _ Sink = (*MemSink)(nil)
