package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func entryAt(at time.Time, status, category string, cost int, durationMs int64) models.AuditEntry {
	return models.AuditEntry{
		ID:            uuid.NewString(),
		Provider:      "test",
		Operation:     "push_rates",
		Status:        status,
		ErrorCategory: category,
		ConnectionID:  "c1",
		RequestCost:   cost,
		DurationMs:    durationMs,
		CreatedAt:     at,
	}
}

func TestRepositoryInsertAndList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := entryAt(now, models.AuditSuccess, "", 2, 120)
	entry.RequestPayload = map[string]interface{}{"from": "2024-05-01"}
	entry.ResponsePayload = []interface{}{"ok"}
	require.NoError(t, repo.Insert(ctx, entry))
	// replays of the same entry are ignored
	require.NoError(t, repo.Insert(ctx, entry))

	other := entryAt(now.Add(-time.Minute), models.AuditError, "api_error", 1, 80)
	other.ConnectionID = "c2"
	require.NoError(t, repo.Insert(ctx, other))

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, entry.ID, all[0].ID)
	assert.Equal(t, map[string]interface{}{"from": "2024-05-01"}, all[0].RequestPayload)
	assert.Equal(t, []interface{}{"ok"}, all[0].ResponsePayload)

	filtered, err := repo.List(ctx, ListFilter{ConnectionID: "c2"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "api_error", filtered[0].ErrorCategory)

	filtered, err = repo.List(ctx, ListFilter{Status: models.AuditError, ErrorCategory: "rate_limited"})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestRepositoryAggregates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, e := range []models.AuditEntry{
		entryAt(base.Add(5*time.Minute), models.AuditSuccess, "", 2, 100),
		entryAt(base.Add(10*time.Minute), models.AuditError, "rate_limited", 1, 300),
		entryAt(base.Add(70*time.Minute), models.AuditError, "rate_limited", 1, 50),
		entryAt(base.Add(80*time.Minute), models.AuditError, "api_error", 3, 150),
		entryAt(base.Add(-48*time.Hour), models.AuditError, "transport", 0, 10),
	} {
		require.NoError(t, repo.Insert(ctx, e))
	}

	counts, err := repo.ErrorCountsByCategory(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []CategoryCount{{Category: "rate_limited", Count: 2}, {Category: "api_error", Count: 1}}, counts)

	trend, err := repo.PerformanceTrend(ctx, base, time.Hour)
	require.NoError(t, err)
	require.Len(t, trend, 2)
	assert.Equal(t, TrendPoint{Bucket: base, Calls: 2, Errors: 1, AvgDurationMs: 200, CreditsUsed: 3}, trend[0])
	assert.Equal(t, TrendPoint{Bucket: base.Add(time.Hour), Calls: 2, Errors: 2, AvgDurationMs: 100, CreditsUsed: 4}, trend[1])

	health, err := repo.Health(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(4), health.Calls)
	assert.Equal(t, int64(3), health.Errors)
	assert.Equal(t, "failing", health.Status)
}

func TestDeriveStatus(t *testing.T) {
	assert.Equal(t, "healthy", deriveStatus(0))
	assert.Equal(t, "healthy", deriveStatus(0.01))
	assert.Equal(t, "degraded", deriveStatus(0.1))
	assert.Equal(t, "failing", deriveStatus(0.5))
}

func TestHandleEventStoresEntry(t *testing.T) {
	repo := newTestRepository(t)
	entry := entryAt(time.Now().UTC(), models.AuditSuccess, "", 1, 10)
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	require.NoError(t, repo.HandleEvent(context.Background(), models.Event{ID: "e1", Type: EventTypeEntry, Data: raw}))
	require.NoError(t, repo.HandleEvent(context.Background(), models.Event{ID: "e2", Type: "something.else", Data: raw}))
	assert.Error(t, repo.HandleEvent(context.Background(), models.Event{ID: "e3", Type: EventTypeEntry, Data: []byte("{")}))

	all, err := repo.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, entry.ID, all[0].ID)
}

func TestWriterWithRepositorySink(t *testing.T) {
	repo := newTestRepository(t)
	w := NewWriter(repo, newDefaultRedactor(t), WriterOptions{})
	w.Record(context.Background(), models.AuditEntry{
		ConnectionID:   "c1",
		Status:         models.AuditSuccess,
		RequestPayload: map[string]interface{}{"guestPhone": "555-123-4567"},
	})

	all, err := repo.List(context.Background(), ListFilter{ConnectionID: "c1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, map[string]interface{}{"guestPhone": Placeholder}, all[0].RequestPayload)
}

func TestAuditHandlers(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now().UTC()
	require.NoError(t, repo.Insert(context.Background(), entryAt(now.Add(-time.Minute), models.AuditSuccess, "", 1, 10)))
	require.NoError(t, repo.Insert(context.Background(), entryAt(now.Add(-2*time.Minute), models.AuditError, "api_error", 1, 10)))

	router := mux.NewRouter()
	NewHandler(repo).Register(router)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/audit/entries?status=error")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.AuditEntry `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "api_error", list.Items[0].ErrorCategory)

	rec = get("/audit/errors?window=1d")
	require.Equal(t, http.StatusOK, rec.Code)
	var errs struct {
		Items []CategoryCount `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errs))
	assert.Equal(t, []CategoryCount{{Category: "api_error", Count: 1}}, errs.Items)

	rec = get("/audit/health?window=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	var health Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, int64(2), health.Calls)
	assert.Equal(t, "failing", health.Status)

	assert.Equal(t, http.StatusOK, get("/audit/performance?window=2h&bucket=30m").Code)
	assert.Equal(t, http.StatusBadRequest, get("/audit/performance?bucket=1s").Code)
	assert.Equal(t, http.StatusBadRequest, get("/audit/errors?window=yesterday").Code)
}
