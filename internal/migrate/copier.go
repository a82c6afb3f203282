package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/pkg/metrics"
	"github.com/csabourin/do-migration-sub006/internal/storage"
)

// CopyResult reports what a completed copy moved.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// Copier executes copies between gateways according to a strategy.
type Copier struct {
	tempDir string
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewCopier builds a Copier. tempDir is where temp_file copies land; empty
// means the system temp directory.
func NewCopier(tempDir string, m *metrics.Metrics, log *logger.Logger) *Copier {
	if log == nil {
		log = logger.Nop()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Copier{tempDir: tempDir, metrics: m, logger: log}
}

// Copy moves one object from src to dst using the given strategy. The source
// object is left in place.
func (c *Copier) Copy(ctx context.Context, src storage.Gateway, srcPath string, dst storage.Gateway, dstPath string, s Strategy) (CopyResult, error) {
	if err := ValidateStrategy(s, src, dst); err != nil {
		return CopyResult{}, err
	}

	var (
		res CopyResult
		err error
	)
	switch s {
	case StrategyDirect:
		res, err = c.copyDirect(ctx, src, srcPath, dst, dstPath)
	case StrategyTempFile:
		res, err = c.copyViaTempFile(ctx, src, srcPath, dst, dstPath)
	case StrategyStream:
		res, err = c.copyStream(ctx, src, srcPath, dst, dstPath)
	}
	if err != nil {
		return CopyResult{}, err
	}

	if c.metrics != nil {
		c.metrics.BytesCopied.Add(float64(res.Bytes))
	}
	c.logger.Debug("object copied",
		zap.String("strategy", string(s)),
		zap.String("source", storage.FileKey(src, srcPath)),
		zap.String("destination", storage.FileKey(dst, dstPath)),
		zap.Int64("bytes", res.Bytes),
	)
	return res, nil
}

func (c *Copier) copyDirect(ctx context.Context, src storage.Gateway, srcPath string, dst storage.Gateway, dstPath string) (CopyResult, error) {
	data, err := src.Read(ctx, srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("failed to read source object %s: %w", srcPath, err)
	}
	if err := dst.Write(ctx, dstPath, data, nil); err != nil {
		return CopyResult{}, fmt.Errorf("failed to write destination object %s: %w", dstPath, err)
	}
	return CopyResult{Bytes: int64(len(data)), SHA256: hashBytes(data)}, nil
}

// copyViaTempFile lands the bytes on local disk before the destination write
// so the source read is fully complete, and re-verified, before anything
// appears at the destination.
func (c *Copier) copyViaTempFile(ctx context.Context, src storage.Gateway, srcPath string, dst storage.Gateway, dstPath string) (CopyResult, error) {
	data, err := src.Read(ctx, srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("failed to read source object %s: %w", srcPath, err)
	}
	sum := hashBytes(data)

	tmp, err := os.CreateTemp(c.tempDir, "reconcile-copy-*")
	if err != nil {
		return CopyResult{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return CopyResult{}, fmt.Errorf("failed to write temp file %s: %w", filepath.Base(tmpName), err)
	}
	if err := tmp.Close(); err != nil {
		return CopyResult{}, fmt.Errorf("failed to close temp file %s: %w", filepath.Base(tmpName), err)
	}

	staged, err := os.ReadFile(tmpName)
	if err != nil {
		return CopyResult{}, fmt.Errorf("failed to read back temp file %s: %w", filepath.Base(tmpName), err)
	}
	if got := hashBytes(staged); got != sum {
		return CopyResult{}, fmt.Errorf("temp file hash mismatch for %s: source %s, staged %s", srcPath, sum, got)
	}

	if err := dst.Write(ctx, dstPath, staged, nil); err != nil {
		return CopyResult{}, fmt.Errorf("failed to write destination object %s: %w", dstPath, err)
	}
	return CopyResult{Bytes: int64(len(staged)), SHA256: sum}, nil
}

func (c *Copier) copyStream(ctx context.Context, src storage.Gateway, srcPath string, dst storage.Gateway, dstPath string) (CopyResult, error) {
	data, err := src.Read(ctx, srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("failed to read source object %s: %w", srcPath, err)
	}

	h := sha256.New()
	h.Write(data)
	if err := dst.Write(ctx, dstPath, data, nil); err != nil {
		return CopyResult{}, fmt.Errorf("failed to write destination object %s: %w", dstPath, err)
	}
	return CopyResult{Bytes: int64(len(data)), SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
