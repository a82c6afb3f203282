package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSink appends changes as JSON lines to a local file, one object per
// line with a monotonically increasing seq field. Used for air-gapped runs
// where no database is reachable.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	seq  int64
	path string
}

type fileLine struct {
	Seq int64 `json:"seq"`
	Change
}

// NewFileSink opens (or creates) the audit file for appending
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f), path: path}, nil
}

func (s *FileSink) Append(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	line, err := json.Marshal(fileLine{Seq: s.seq, Change: c})
	if err != nil {
		return fmt.Errorf("failed to marshal audit change: %w", err)
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit change to %s: %w", s.path, err)
	}
	// flush per change so a crash loses at most the in-flight line
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit file %s: %w", s.path, err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit file %s: %w", s.path, err)
	}
	return s.f.Close()
}

var _ Sink = (*FileSink)(nil)
