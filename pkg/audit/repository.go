package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/roomsync/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EntryModel struct {
	ID               string         `gorm:"primaryKey;column:id;size:36"`
	Provider         string         `gorm:"column:provider;size:64;index"`
	Operation        string         `gorm:"column:operation;size:128;index"`
	Method           string         `gorm:"column:method;size:16"`
	Endpoint         string         `gorm:"column:endpoint;size:512"`
	Status           string         `gorm:"column:status;size:16;index"`
	StatusCode       int            `gorm:"column:status_code"`
	ErrorCategory    string         `gorm:"column:error_category;size:64;index"`
	ConnectionID     string         `gorm:"column:connection_id;size:64;index"`
	HotelID          string         `gorm:"column:hotel_id;size:64"`
	Attempt          int            `gorm:"column:attempt"`
	RequestCost      int            `gorm:"column:request_cost"`
	CreditsRemaining int            `gorm:"column:credits_remaining"`
	DurationMs       int64          `gorm:"column:duration_ms"`
	RequestPayload   datatypes.JSON `gorm:"column:request_payload"`
	ResponsePayload  datatypes.JSON `gorm:"column:response_payload"`
	ErrorMessage     string         `gorm:"column:error_message;type:text"`
	TraceID          string         `gorm:"column:trace_id;size:128;index"`
	CreatedAt        time.Time      `gorm:"column:created_at;index"`
}

func (EntryModel) TableName() string { return "channel_audit_entries" }

// Repository is the append-only audit store and its dashboard queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EntryModel{})
}

// Insert writes entry once; replays of the same id are ignored.
func (r *Repository) Insert(ctx context.Context, entry models.AuditEntry) error {
	model, err := toModel(entry)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// HandleEvent stores an entry received from the audit topic.
func (r *Repository) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != EventTypeEntry {
		return nil
	}
	var entry models.AuditEntry
	if err := json.Unmarshal(event.Data, &entry); err != nil {
		return fmt.Errorf("decode audit entry %s: %w", event.ID, err)
	}
	return r.Insert(ctx, entry)
}

type ListFilter struct {
	ConnectionID  string
	Status        string
	ErrorCategory string
	Since         time.Time
	Limit         int
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]models.AuditEntry, error) {
	query := r.db.WithContext(ctx).Model(&EntryModel{})
	if filter.ConnectionID != "" {
		query = query.Where("connection_id = ?", filter.ConnectionID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ErrorCategory != "" {
		query = query.Where("error_category = ?", filter.ErrorCategory)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []EntryModel
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]models.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, fromModel(row))
	}
	return entries, nil
}

type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// ErrorCountsByCategory aggregates failed attempts since the given time.
func (r *Repository) ErrorCountsByCategory(ctx context.Context, since time.Time) ([]CategoryCount, error) {
	var counts []CategoryCount
	err := r.db.WithContext(ctx).Model(&EntryModel{}).
		Select("error_category AS category, COUNT(*) AS count").
		Where("status = ? AND created_at >= ?", models.AuditError, since).
		Group("error_category").
		Order("count DESC").
		Scan(&counts).Error
	return counts, err
}

type TrendPoint struct {
	Bucket        time.Time `json:"bucket"`
	Calls         int       `json:"calls"`
	Errors        int       `json:"errors"`
	AvgDurationMs float64   `json:"avgDurationMs"`
	CreditsUsed   int       `json:"creditsUsed"`
}

// PerformanceTrend buckets attempts since the given time. Bucketing happens
// here rather than in SQL so the query stays portable across drivers.
func (r *Repository) PerformanceTrend(ctx context.Context, since time.Time, bucket time.Duration) ([]TrendPoint, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	var rows []EntryModel
	err := r.db.WithContext(ctx).Model(&EntryModel{}).
		Select("status", "duration_ms", "request_cost", "created_at").
		Where("created_at >= ?", since).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	type acc struct {
		point    TrendPoint
		duration int64
	}
	buckets := make(map[int64]*acc)
	for _, row := range rows {
		start := row.CreatedAt.UTC().Truncate(bucket)
		a, ok := buckets[start.Unix()]
		if !ok {
			a = &acc{point: TrendPoint{Bucket: start}}
			buckets[start.Unix()] = a
		}
		a.point.Calls++
		if row.Status == models.AuditError {
			a.point.Errors++
		}
		a.point.CreditsUsed += row.RequestCost
		a.duration += row.DurationMs
	}

	points := make([]TrendPoint, 0, len(buckets))
	for _, a := range buckets {
		a.point.AvgDurationMs = float64(a.duration) / float64(a.point.Calls)
		points = append(points, a.point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Bucket.Before(points[j].Bucket) })
	return points, nil
}

type Health struct {
	Status    string  `json:"status"`
	Calls     int64   `json:"calls"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"errorRate"`
}

// Health derives a status from the error rate since the given time.
func (r *Repository) Health(ctx context.Context, since time.Time) (Health, error) {
	var h Health
	base := r.db.WithContext(ctx).Model(&EntryModel{}).Where("created_at >= ?", since).Session(&gorm.Session{})
	if err := base.Count(&h.Calls).Error; err != nil {
		return h, err
	}
	if err := base.Where("status = ?", models.AuditError).Count(&h.Errors).Error; err != nil {
		return h, err
	}
	if h.Calls > 0 {
		h.ErrorRate = float64(h.Errors) / float64(h.Calls)
	}
	h.Status = deriveStatus(h.ErrorRate)
	return h, nil
}

func deriveStatus(errorRate float64) string {
	switch {
	case errorRate < 0.05:
		return "healthy"
	case errorRate < 0.25:
		return "degraded"
	default:
		return "failing"
	}
}

func toModel(entry models.AuditEntry) (EntryModel, error) {
	req, err := marshalPayload(entry.RequestPayload)
	if err != nil {
		return EntryModel{}, fmt.Errorf("encode request payload: %w", err)
	}
	resp, err := marshalPayload(entry.ResponsePayload)
	if err != nil {
		return EntryModel{}, fmt.Errorf("encode response payload: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return EntryModel{
		ID:               entry.ID,
		Provider:         entry.Provider,
		Operation:        entry.Operation,
		Method:           entry.Method,
		Endpoint:         entry.Endpoint,
		Status:           entry.Status,
		StatusCode:       entry.StatusCode,
		ErrorCategory:    entry.ErrorCategory,
		ConnectionID:     entry.ConnectionID,
		HotelID:          entry.HotelID,
		Attempt:          entry.Attempt,
		RequestCost:      entry.RequestCost,
		CreditsRemaining: entry.CreditsRemaining,
		DurationMs:       entry.DurationMs,
		RequestPayload:   req,
		ResponsePayload:  resp,
		ErrorMessage:     entry.ErrorMessage,
		TraceID:          entry.TraceID,
		CreatedAt:        createdAt.UTC(),
	}, nil
}

func fromModel(m EntryModel) models.AuditEntry {
	return models.AuditEntry{
		ID:               m.ID,
		Provider:         m.Provider,
		Operation:        m.Operation,
		Method:           m.Method,
		Endpoint:         m.Endpoint,
		Status:           m.Status,
		StatusCode:       m.StatusCode,
		ErrorCategory:    m.ErrorCategory,
		ConnectionID:     m.ConnectionID,
		HotelID:          m.HotelID,
		Attempt:          m.Attempt,
		RequestCost:      m.RequestCost,
		CreditsRemaining: m.CreditsRemaining,
		DurationMs:       m.DurationMs,
		RequestPayload:   unmarshalPayload(m.RequestPayload),
		ResponsePayload:  unmarshalPayload(m.ResponsePayload),
		ErrorMessage:     m.ErrorMessage,
		TraceID:          m.TraceID,
		CreatedAt:        m.CreatedAt,
	}
}

func marshalPayload(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalPayload(raw datatypes.JSON) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
