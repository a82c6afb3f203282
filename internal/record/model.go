package record

import "time"

// assetRow is the gorm mapping for catalog items. Column names follow the
// hosting application's asset table.
type assetRow struct {
	ID          string    `gorm:"column:id;primaryKey"`
	ContainerID string    `gorm:"column:container_id;not null;index"`
	ParentID    string    `gorm:"column:parent_id;index"`
	Name        string    `gorm:"column:name;not null;index"`
	ParentPath  string    `gorm:"column:parent_path"`
	FileSize    int64     `gorm:"column:file_size"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (assetRow) TableName() string {
	return "assets"
}

// assetReferenceRow tracks one reference from a consuming field to an asset
type assetReferenceRow struct {
	ID      uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	AssetID string `gorm:"column:asset_id;not null;index"`
	// SourceID identifies the referencing record/field in the host app
	SourceID string `gorm:"column:source_id;not null"`
}

func (assetReferenceRow) TableName() string {
	return "asset_references"
}

func (r assetRow) toEntry(refCount int) Entry {
	return Entry{
		ID:             r.ID,
		ContainerID:    r.ContainerID,
		ParentID:       r.ParentID,
		Name:           r.Name,
		ParentPath:     r.ParentPath,
		Size:           r.FileSize,
		ReferenceCount: refCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
