package duplicate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
)

type groupRow struct {
	RunID     string    `gorm:"column:run_id;size:64;primaryKey"`
	FileKey   string    `gorm:"column:file_key;size:1024;primaryKey"`
	Status    string    `gorm:"column:status;size:16;index;not null"`
	MemberIDs []byte    `gorm:"column:member_ids;type:jsonb;not null"`
	PrimaryID string    `gorm:"column:primary_asset_id;size:64"`
	TempPath  string    `gorm:"column:temp_path;size:1024"`
	FileHash  string    `gorm:"column:physical_file_hash;size:64"`
	FileSize  int64     `gorm:"column:file_size"`
	ClaimedBy string    `gorm:"column:claimed_by;size:128"`
	ClaimedAt time.Time `gorm:"column:claimed_at"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (groupRow) TableName() string {
	return "reconcile_duplicate_groups"
}

func toRow(g Group) (groupRow, error) {
	members, err := json.Marshal(g.MemberIDs)
	if err != nil {
		return groupRow{}, fmt.Errorf("failed to marshal group members: %w", err)
	}
	return groupRow{
		RunID:     g.RunID,
		FileKey:   g.FileKey,
		Status:    string(g.Status),
		MemberIDs: members,
		PrimaryID: g.PrimaryID,
		TempPath:  g.TempPath,
		FileHash:  g.FileHash,
		FileSize:  g.FileSize,
		ClaimedBy: g.ClaimedBy,
		ClaimedAt: g.ClaimedAt,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}, nil
}

func (r groupRow) toGroup() (Group, error) {
	var members []string
	if len(r.MemberIDs) > 0 {
		if err := json.Unmarshal(r.MemberIDs, &members); err != nil {
			return Group{}, fmt.Errorf("failed to unmarshal group members: %w", err)
		}
	}
	return Group{
		RunID:     r.RunID,
		FileKey:   r.FileKey,
		Status:    Status(r.Status),
		MemberIDs: members,
		PrimaryID: r.PrimaryID,
		TempPath:  r.TempPath,
		FileHash:  r.FileHash,
		FileSize:  r.FileSize,
		ClaimedBy: r.ClaimedBy,
		ClaimedAt: r.ClaimedAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// GormRepo persists duplicate groups in Postgres.
type GormRepo struct {
	db *database.DB
}

// NewGormRepo creates a Repo backed by the shared database connection
func NewGormRepo(db *database.DB) *GormRepo {
	return &GormRepo{db: db}
}

// AutoMigrate creates the group table. Intended for tests and local
// development.
func (r *GormRepo) AutoMigrate() error {
	return r.db.DB.AutoMigrate(&groupRow{})
}

func (r *GormRepo) Create(ctx context.Context, g Group) error {
	row, err := toRow(g)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to create duplicate group %s: %w", g.FileKey, err)
	}
	return nil
}

func (r *GormRepo) Get(ctx context.Context, runID, fileKey string) (Group, error) {
	var row groupRow
	err := r.db.WithContext(ctx).
		First(&row, "run_id = ? AND file_key = ?", runID, fileKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("failed to load duplicate group %s: %w", fileKey, err)
	}
	return row.toGroup()
}

func (r *GormRepo) ListByStatus(ctx context.Context, runID string, statuses ...Status) ([]Group, error) {
	tx := r.db.WithContext(ctx).Where("run_id = ?", runID)
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, s := range statuses {
			raw[i] = string(s)
		}
		tx = tx.Where("status IN ?", raw)
	}

	var rows []groupRow
	if err := tx.Order("file_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list duplicate groups: %w", err)
	}

	out := make([]Group, 0, len(rows))
	for _, row := range rows {
		g, err := row.toGroup()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (r *GormRepo) Update(ctx context.Context, g Group) error {
	row, err := toRow(g)
	if err != nil {
		return err
	}
	row.UpdatedAt = time.Now()

	res := r.db.WithContext(ctx).
		Where("run_id = ? AND file_key = ?", g.RunID, g.FileKey).
		Select("*").Omit("run_id", "file_key", "created_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("failed to update duplicate group %s: %w", g.FileKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrGroupNotFound
	}
	return nil
}

func (r *GormRepo) Claim(ctx context.Context, runID, fileKey, owner string, staleAfter time.Duration) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&groupRow{}).
		Where("run_id = ? AND file_key = ?", runID, fileKey).
		Where("claimed_by = '' OR claimed_by = ? OR claimed_at < ?", owner, now.Add(-staleAfter)).
		Updates(map[string]interface{}{
			"claimed_by": owner,
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim duplicate group %s: %w", fileKey, res.Error)
	}
	return res.RowsAffected > 0, nil
}

var _ Repo = (*GormRepo)(nil)
