package syncstate

import (
	"context"
	"errors"
	"time"

	"github.com/roomsync/platform/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StateModel struct {
	ConnectionID         string     `gorm:"primaryKey;column:connection_id;size:64"`
	Enabled              bool       `gorm:"column:enabled"`
	BootstrapCompleted   bool       `gorm:"column:bootstrap_completed"`
	BootstrapCompletedAt *time.Time `gorm:"column:bootstrap_completed_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

func (StateModel) TableName() string { return "channel_sync_states" }

// MarkModel holds the last successful sync per entity type.
type MarkModel struct {
	ConnectionID string    `gorm:"primaryKey;column:connection_id;size:64"`
	EntityType   string    `gorm:"primaryKey;column:entity_type;size:64"`
	LastSyncAt   time.Time `gorm:"column:last_sync_at"`
}

func (MarkModel) TableName() string { return "channel_sync_marks" }

// Repository tracks per-connection sync bookkeeping. Bootstrap is one-way
// and sync timestamps only move forward.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&StateModel{}, &MarkModel{})
}

// Get returns the state, or a disabled, not-bootstrapped state when the
// connection has none yet.
func (r *Repository) Get(ctx context.Context, connectionID string) (models.SyncState, error) {
	state := models.SyncState{ConnectionID: connectionID, LastSync: map[string]time.Time{}}

	var row StateModel
	err := r.db.WithContext(ctx).First(&row, "connection_id = ?", connectionID).Error
	switch {
	case err == nil:
		state.Enabled = row.Enabled
		state.BootstrapCompleted = row.BootstrapCompleted
		state.BootstrapCompletedAt = row.BootstrapCompletedAt
		state.UpdatedAt = row.UpdatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return models.SyncState{}, err
	}

	var marks []MarkModel
	if err := r.db.WithContext(ctx).Where("connection_id = ?", connectionID).Find(&marks).Error; err != nil {
		return models.SyncState{}, err
	}
	for _, m := range marks {
		state.LastSync[m.EntityType] = m.LastSyncAt.UTC()
	}
	return state, nil
}

func (r *Repository) SetEnabled(ctx context.Context, connectionID string, enabled bool) error {
	row := StateModel{ConnectionID: connectionID, Enabled: enabled, UpdatedAt: r.now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&row).Error
}

// MarkBootstrapped records the first completion only; later calls keep the
// original timestamp.
func (r *Repository) MarkBootstrapped(ctx context.Context, connectionID string, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensureState(tx, connectionID); err != nil {
			return err
		}
		return tx.Model(&StateModel{}).
			Where("connection_id = ? AND bootstrap_completed = ?", connectionID, false).
			Updates(map[string]interface{}{
				"bootstrap_completed":    true,
				"bootstrap_completed_at": &at,
				"updated_at":             r.now().UTC(),
			}).Error
	})
}

// RecordSync stamps a successful sync of entityType. Older timestamps than
// the stored one are ignored.
func (r *Repository) RecordSync(ctx context.Context, connectionID, entityType string, at time.Time) error {
	at = at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensureState(tx, connectionID); err != nil {
			return err
		}
		mark := MarkModel{ConnectionID: connectionID, EntityType: entityType, LastSyncAt: at}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mark).Error; err != nil {
			return err
		}
		return tx.Model(&MarkModel{}).
			Where("connection_id = ? AND entity_type = ? AND last_sync_at < ?", connectionID, entityType, at).
			Update("last_sync_at", at).Error
	})
}

func (r *Repository) ensureState(tx *gorm.DB, connectionID string) error {
	row := StateModel{ConnectionID: connectionID, UpdatedAt: r.now().UTC()}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}
