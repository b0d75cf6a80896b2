package faultlog

import (
	"context"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/rs/xid"
	"gorm.io/gorm"
)

// FaultRecord is the persisted form of an Entry.
type FaultRecord struct {
	data.BaseModel

	Source     string    `gorm:"type:varchar(100);not null;index:idx_fault_source" json:"source"`
	Operation  string    `gorm:"type:varchar(100);not null"                        json:"operation"`
	Error      string    `gorm:"type:text"                                         json:"error"`
	OccurredAt time.Time `gorm:"not null;index:idx_fault_time"                     json:"occurred_at"`
}

func (FaultRecord) TableName() string { return "handler_faults" }

// Repository stores fault records in the service datastore.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a fault repository over pool.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// Migrate creates or updates the fault table.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db(ctx, false).AutoMigrate(&FaultRecord{})
}

// Save persists e.
func (r *Repository) Save(ctx context.Context, e Entry) error {
	rec := &FaultRecord{
		Source:     e.Source,
		Operation:  e.Operation,
		Error:      e.Error,
		OccurredAt: e.Time,
	}
	rec.ID = xid.New().String()
	return r.db(ctx, false).Create(rec).Error
}

// ListRecent returns up to limit records, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]FaultRecord, error) {
	var recs []FaultRecord
	err := r.db(ctx, true).Order("occurred_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}

// ListBySource returns the records of one handler, newest first.
func (r *Repository) ListBySource(ctx context.Context, source string, limit int) ([]FaultRecord, error) {
	var recs []FaultRecord
	err := r.db(ctx, true).
		Where("source = ?", source).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}
