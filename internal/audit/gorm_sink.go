package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/csabourin/do-migration-sub006/internal/pkg/database"
)

type changeRow struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	RunID     string    `gorm:"column:run_id;size:64;index;not null"`
	Type      string    `gorm:"column:change_type;size:64;not null"`
	RecordID  string    `gorm:"column:record_id;size:64;index"`
	FileKey   string    `gorm:"column:file_key;size:1024"`
	Payload   []byte    `gorm:"column:payload;type:jsonb;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (changeRow) TableName() string {
	return "reconcile_audit_log"
}

// GormSink appends changes to Postgres. The bigserial seq column gives the
// stream its total order.
type GormSink struct {
	db *database.DB
}

// NewGormSink creates a Sink backed by the shared database connection
func NewGormSink(db *database.DB) *GormSink {
	return &GormSink{db: db}
}

// AutoMigrate creates the audit table. Intended for tests and local
// development.
func (s *GormSink) AutoMigrate() error {
	return s.db.DB.AutoMigrate(&changeRow{})
}

func (s *GormSink) Append(ctx context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal audit change: %w", err)
	}

	row := changeRow{
		RunID:     c.RunID,
		Type:      c.Type,
		RecordID:  c.RecordID,
		FileKey:   c.FileKey,
		Payload:   payload,
		CreatedAt: c.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append audit change: %w", err)
	}
	return nil
}

func (s *GormSink) Close() error { return nil }

var _ Sink = (*GormSink)(nil)
