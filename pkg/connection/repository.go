package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("connection not found")

type ConnectionModel struct {
	ID             string     `gorm:"primaryKey;column:id;size:64"`
	HotelID        string     `gorm:"column:hotel_id;size:64;index"`
	Provider       string     `gorm:"column:provider;size:64"`
	Status         string     `gorm:"column:status;size:16;index"`
	RefreshToken   string     `gorm:"column:refresh_token;type:text"`
	AccessToken    string     `gorm:"column:access_token;type:text"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at"`
	LastTokenUse   *time.Time `gorm:"column:last_token_use;index"`
	LastError      string     `gorm:"column:last_error;type:text"`
	DeactivatedAt  *time.Time `gorm:"column:deactivated_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (ConnectionModel) TableName() string { return "channel_connections" }

// Repository is the credential store. Rows are never deleted, only
// deactivated.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ConnectionModel{})
}

func (r *Repository) Create(ctx context.Context, conn models.Connection) (models.Connection, error) {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionActive
	}
	model := toModel(conn)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return models.Connection{}, err
	}
	return fromModel(model), nil
}

func (r *Repository) Get(ctx context.Context, id string) (models.Connection, error) {
	var model ConnectionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Connection{}, ErrNotFound
		}
		return models.Connection{}, err
	}
	return fromModel(model), nil
}

// GetCredential implements token.CredentialStore.
func (r *Repository) GetCredential(ctx context.Context, id string) (models.Credential, error) {
	conn, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.Credential{}, fmt.Errorf("%w: %s", token.ErrUnknownConnection, id)
	}
	if err != nil {
		return models.Credential{}, err
	}
	if conn.DeactivatedAt != nil {
		return models.Credential{}, fmt.Errorf("connection %s is deactivated: %w", id, token.ErrCredentialMissing)
	}
	return models.Credential{
		ConnectionID: conn.ID,
		RefreshToken: conn.RefreshToken,
		AccessToken:  conn.AccessToken,
		ExpiresAt:    conn.TokenExpiresAt,
	}, nil
}

// UpdateCredential implements token.CredentialStore. A successful refresh
// also counts as token use and clears a previous error status.
func (r *Repository) UpdateCredential(ctx context.Context, id string, update models.TokenUpdate) error {
	expires := update.ExpiresAt.UTC()
	now := r.now().UTC()
	values := map[string]interface{}{
		"access_token":     update.AccessToken,
		"token_expires_at": &expires,
		"last_token_use":   &now,
		"status":           models.ConnectionActive,
		"last_error":       "",
	}
	if update.RefreshToken != "" {
		values["refresh_token"] = update.RefreshToken
	}
	return r.update(ctx, id, values)
}

// ListDormant returns active connections whose token has not been used
// since cutoff, oldest first.
func (r *Repository) ListDormant(ctx context.Context, cutoff time.Time) ([]models.Connection, error) {
	var rows []ConnectionModel
	err := r.db.WithContext(ctx).
		Where("deactivated_at IS NULL").
		Where("last_token_use IS NULL OR last_token_use < ?", cutoff.UTC()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

func (r *Repository) MarkError(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":     models.ConnectionError,
		"last_error": reason,
	})
}

func (r *Repository) TouchTokenUse(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return r.update(ctx, id, map[string]interface{}{"last_token_use": &at})
}

// ReplaceRefreshToken stores an operator-supplied refresh credential and
// drops the cached access token so the next call refreshes.
func (r *Repository) ReplaceRefreshToken(ctx context.Context, id, refreshToken string) error {
	return r.update(ctx, id, map[string]interface{}{
		"refresh_token":    refreshToken,
		"access_token":     "",
		"token_expires_at": nil,
		"status":           models.ConnectionActive,
		"last_error":       "",
	})
}

func (r *Repository) Deactivate(ctx context.Context, id string) error {
	now := r.now().UTC()
	return r.update(ctx, id, map[string]interface{}{
		"deactivated_at": &now,
		"access_token":   "",
	})
}

func (r *Repository) update(ctx context.Context, id string, values map[string]interface{}) error {
	values["updated_at"] = r.now().UTC()
	res := r.db.WithContext(ctx).Model(&ConnectionModel{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func toModel(c models.Connection) ConnectionModel {
	return ConnectionModel{
		ID:             c.ID,
		HotelID:        c.HotelID,
		Provider:       c.Provider,
		Status:         c.Status,
		RefreshToken:   c.RefreshToken,
		AccessToken:    c.AccessToken,
		TokenExpiresAt: c.TokenExpiresAt,
		LastTokenUse:   c.LastTokenUse,
		LastError:      c.LastError,
		DeactivatedAt:  c.DeactivatedAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func fromModel(m ConnectionModel) models.Connection {
	return models.Connection{
		ID:             m.ID,
		HotelID:        m.HotelID,
		Provider:       m.Provider,
		Status:         m.Status,
		RefreshToken:   m.RefreshToken,
		AccessToken:    m.AccessToken,
		TokenExpiresAt: m.TokenExpiresAt,
		LastTokenUse:   m.LastTokenUse,
		LastError:      m.LastError,
		DeactivatedAt:  m.DeactivatedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
