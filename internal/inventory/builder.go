package inventory

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/csabourin/do-migration-sub006/internal/record"
	"github.com/csabourin/do-migration-sub006/internal/storage"
	"go.uber.org/zap"
)

// Builder scans the record store and the storage gateways into in-memory
// inventories, paging both sides in bounded batches.
type Builder struct {
	store     record.Store
	gateways  map[string]storage.Gateway
	batchSize int
	logger    *logger.Logger

	// OnProgress receives rate-limited, non-blocking progress reports
	OnProgress ProgressFunc
}

// NewBuilder creates an inventory builder
func NewBuilder(store record.Store, gateways map[string]storage.Gateway, batchSize int, log *logger.Logger) *Builder {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Builder{
		store:     store,
		gateways:  gateways,
		batchSize: batchSize,
		logger:    log.Named("inventory"),
	}
}

// BuildRecordInventory pages through the record store and returns the record
// inventory keyed by id. An empty containers slice means every container.
func (b *Builder) BuildRecordInventory(ctx context.Context, containers []string) (map[string]record.Entry, error) {
	total, err := b.store.Count(ctx, record.Query{ContainerIDs: containers})
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	notifier := newProgressNotifier(b.OnProgress, total)
	defer notifier.close()

	inventory := make(map[string]record.Entry, total)
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := b.store.Find(ctx, record.Query{
			ContainerIDs: containers,
			Offset:       offset,
			Limit:        b.batchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to page records at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			inventory[e.ID] = e
		}
		offset += len(page)
		notifier.report(int64(offset))
	}

	b.logger.Info("record inventory built",
		zap.Int("records", len(inventory)),
		zap.Strings("containers", containers),
	)

	return inventory, nil
}

// BuildFileInventory scans each gateway recursively and returns the file
// inventory. A single unreachable gateway aborts the build: a partial file
// inventory would make every downstream safety decision wrong.
func (b *Builder) BuildFileInventory(ctx context.Context, containers []string) ([]FileEntry, error) {
	selected := b.selectGateways(containers)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no gateways match containers %v", containers)
	}

	notifier := newProgressNotifier(b.OnProgress, 0)
	defer notifier.close()

	var files []FileEntry
	for _, gw := range selected {
		count := 0

		for entry := range gw.List(ctx, "", true) {
			if entry.Err != nil {
				return nil, fmt.Errorf("file inventory aborted: gateway %q failed: %w", gw.Name(), entry.Err)
			}
			if entry.IsDir {
				continue
			}

			files = append(files, FileEntry{
				ContainerID:   gw.Name(),
				ContainerName: gw.BucketID(),
				Path:          entry.Path,
				Name:          path.Base(entry.Path),
				Size:          entry.Size,
				LastModified:  entry.LastModified,
				Gateway:       gw,
			})
			count++
			if count%b.batchSize == 0 {
				notifier.report(int64(len(files)))
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.logger.Info("gateway scanned",
			zap.String("gateway", gw.Name()),
			zap.Int("files", count),
		)
	}

	return files, nil
}

func (b *Builder) selectGateways(containers []string) []storage.Gateway {
	if len(containers) == 0 {
		out := make([]storage.Gateway, 0, len(b.gateways))
		for _, gw := range b.gateways {
			out = append(out, gw)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
		return out
	}

	var out []storage.Gateway
	for _, name := range containers {
		if gw, ok := b.gateways[name]; ok {
			out = append(out, gw)
		}
	}
	return out
}
