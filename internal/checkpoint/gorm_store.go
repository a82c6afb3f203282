package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// processedIDRow stores one completed record id per run and phase
type processedIDRow struct {
	RunID    string `gorm:"column:run_id;primaryKey"`
	Phase    string `gorm:"column:phase;primaryKey"`
	RecordID string `gorm:"column:record_id;primaryKey"`
}

func (processedIDRow) TableName() string {
	return "reconcile_processed_ids"
}

// checkpointRow stores the latest checkpoint payload per run and phase
type checkpointRow struct {
	RunID     string    `gorm:"column:run_id;primaryKey"`
	Phase     string    `gorm:"column:phase;primaryKey"`
	Payload   []byte    `gorm:"column:payload;type:jsonb"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (checkpointRow) TableName() string {
	return "reconcile_checkpoints"
}

// GormStore implements Store on postgres
type GormStore struct {
	db *database.DB
}

// NewGormStore creates a postgres-backed checkpoint store
func NewGormStore(db *database.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the checkpoint tables
func (s *GormStore) AutoMigrate() error {
	return s.db.DB.AutoMigrate(&processedIDRow{}, &checkpointRow{})
}

func (s *GormStore) LoadProcessed(ctx context.Context, runID, phase string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&processedIDRow{}).
		Where("run_id = ? AND phase = ?", runID, phase).
		Pluck("record_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to load processed ids for %s/%s: %w", runID, phase, err)
	}
	return ids, nil
}

func (s *GormStore) MergeProcessed(ctx context.Context, runID, phase string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	rows := make([]processedIDRow, len(ids))
	for i, id := range ids {
		rows[i] = processedIDRow{RunID: runID, Phase: phase, RecordID: id}
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to merge processed ids for %s/%s: %w", runID, phase, err)
	}
	return nil
}

func (s *GormStore) SaveCheckpoint(ctx context.Context, runID, phase string, payload []byte) error {
	row := checkpointRow{
		RunID:     runID,
		Phase:     phase,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "phase"}},
			UpdateAll: true,
		}).
		Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", runID, phase, err)
	}
	return nil
}

func (s *GormStore) LoadCheckpoint(ctx context.Context, runID, phase string) ([]byte, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		First(&row, "run_id = ? AND phase = ?", runID, phase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint %s/%s: %w", runID, phase, err)
	}
	return row.Payload, nil
}

var _ Store = (*GormStore)(nil)
