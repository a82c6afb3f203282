package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
	"gorm.io/gorm"
)

// GormStore implements Store on the hosting application's postgres schema
type GormStore struct {
	db *database.DB
}

// NewGormStore creates a Store backed by the shared database connection
func NewGormStore(db *database.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the asset tables. Intended for tests and local
// development; production schemas belong to the hosting application.
func (s *GormStore) AutoMigrate() error {
	return s.db.DB.AutoMigrate(&assetRow{}, &assetReferenceRow{})
}

func applyQuery(tx *gorm.DB, q Query) *gorm.DB {
	if len(q.ContainerIDs) > 0 {
		tx = tx.Where("container_id IN ?", q.ContainerIDs)
	}
	if q.NameLike != "" {
		tx = tx.Where("name LIKE ?", q.NameLike)
	}
	return tx
}

// Find returns one page of records with their reference counts
func (s *GormStore) Find(ctx context.Context, q Query) ([]Entry, error) {
	var rows []assetRow
	tx := applyQuery(s.db.WithContext(ctx).Model(&assetRow{}), q).
		Order("id").
		Offset(q.Offset)
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}

	// one grouped count query per page instead of a count per record
	type refCount struct {
		AssetID string
		N       int
	}
	var counts []refCount
	if err := s.db.WithContext(ctx).Model(&assetReferenceRow{}).
		Select("asset_id, count(*) as n").
		Where("asset_id IN ?", ids).
		Group("asset_id").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to count references: %w", err)
	}

	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.AssetID] = c.N
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry(byID[r.ID])
	}
	return entries, nil
}

// Count returns the number of records matching q
func (s *GormStore) Count(ctx context.Context, q Query) (int64, error) {
	var n int64
	if err := applyQuery(s.db.WithContext(ctx).Model(&assetRow{}), q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return n, nil
}

// Get reloads a single record by id
func (s *GormStore) Get(ctx context.Context, id string) (Entry, error) {
	var row assetRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("failed to get asset %s: %w", id, err)
	}

	n, err := s.ReferenceCount(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return row.toEntry(n), nil
}

// ReferenceCount returns the number of live references to id
func (s *GormStore) ReferenceCount(ctx context.Context, id string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&assetReferenceRow{}).
		Where("asset_id = ?", id).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count references for %s: %w", id, err)
	}
	return int(n), nil
}

// TransferReferences repoints every reference from fromID to toID in one
// transaction
func (s *GormStore) TransferReferences(ctx context.Context, fromID, toID string) error {
	return s.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Model(&assetReferenceRow{}).
			Where("asset_id = ?", fromID).
			Update("asset_id", toID).Error; err != nil {
			return fmt.Errorf("failed to transfer references %s -> %s: %w", fromID, toID, err)
		}
		return nil
	})
}

// ApplyMove reassigns a record's container/parent
func (s *GormStore) ApplyMove(ctx context.Context, id string, loc Location) error {
	res := s.db.WithContext(ctx).Model(&assetRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"container_id": loc.ContainerID,
			"parent_id":    loc.ParentID,
			"parent_path":  loc.ParentPath,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to move asset %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a record and its outgoing reference rows
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Delete(&assetReferenceRow{}, "asset_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete references of %s: %w", id, err)
		}
		res := tx.Delete(&assetRow{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete asset %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

var _ Store = (*GormStore)(nil)
