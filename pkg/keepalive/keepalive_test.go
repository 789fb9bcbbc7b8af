package keepalive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	conns   []models.Connection
	cutoff  time.Time
	errored map[string]string
	touched []string
}

func (s *fakeStore) ListDormant(_ context.Context, cutoff time.Time) ([]models.Connection, error) {
	s.cutoff = cutoff
	return s.conns, nil
}

func (s *fakeStore) MarkError(_ context.Context, id, reason string) error {
	if s.errored == nil {
		s.errored = map[string]string{}
	}
	s.errored[id] = reason
	return nil
}

func (s *fakeStore) TouchTokenUse(_ context.Context, id string, _ time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

type fakeRefresher struct {
	calls    []string
	fail     map[string]error
	panic    map[string]bool
	cancelAt string
	cancel   context.CancelFunc
}

func (r *fakeRefresher) ForceRefresh(ctx context.Context, id string) (string, error) {
	r.calls = append(r.calls, id)
	if id == r.cancelAt && r.cancel != nil {
		r.cancel()
		return "", ctx.Err()
	}
	if r.panic[id] {
		panic("refresher blew up")
	}
	if err := r.fail[id]; err != nil {
		return "", err
	}
	return "tok-" + id, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	released int
}

func (l *fakeLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return func() {}, false, nil
	}
	l.held = true
	return func() {
		l.mu.Lock()
		l.held = false
		l.released++
		l.mu.Unlock()
	}, true, nil
}

func threeConnections() []models.Connection {
	return []models.Connection{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}
}

func TestRunIsolatesFailures(t *testing.T) {
	now := time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC)
	store := &fakeStore{conns: threeConnections()}
	refresher := &fakeRefresher{fail: map[string]error{"c2": errors.New("invalid_grant")}}
	job := NewJob(store, refresher, nil, Options{Now: func() time.Time { return now }})

	summary, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalConnections)
	assert.Equal(t, 2, summary.TokensRefreshed)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, []models.KeepAliveFailure{{ConnectionID: "c2", Error: "invalid_grant"}}, summary.Errors)

	assert.Equal(t, []string{"c1", "c2", "c3"}, refresher.calls)
	assert.Equal(t, []string{"c1", "c3"}, store.touched)
	assert.Equal(t, map[string]string{"c2": "invalid_grant"}, store.errored)
	assert.Equal(t, now.Add(-30*24*time.Hour), store.cutoff)
}

func TestRunRecoversFromPanics(t *testing.T) {
	store := &fakeStore{conns: threeConnections()}
	refresher := &fakeRefresher{panic: map[string]bool{"c1": true}}

	summary, err := NewJob(store, refresher, nil, Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TokensRefreshed)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Contains(t, store.errored["c1"], "panic")
}

func TestRunStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	refresher := &fakeRefresher{}

	_, err := NewJob(&fakeStore{conns: threeConnections()}, refresher, nil, Options{}).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, refresher.calls)
}

func TestRunInterruptedMidwayMarksNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &fakeStore{conns: threeConnections()}
	refresher := &fakeRefresher{cancelAt: "c2", cancel: cancel}

	summary, err := NewJob(store, refresher, nil, Options{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"c1", "c2"}, refresher.calls)
	assert.Equal(t, 1, summary.TokensRefreshed)
	assert.Zero(t, summary.FailureCount)
	assert.Empty(t, store.errored)
	assert.False(t, summary.CompletedAt.IsZero())
}

func TestRunHonoursLock(t *testing.T) {
	locker := &fakeLocker{}
	job := NewJob(&fakeStore{conns: threeConnections()}, &fakeRefresher{}, locker, Options{})

	release, ok, err := locker.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = job.Run(context.Background())
	assert.True(t, errors.Is(err, ErrRunInProgress))

	release()
	_, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, locker.released)
}

func TestRedisLockerReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	_, ok, err := NewRedisLocker(client).Acquire(context.Background(), lockKey, time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestHandler(t *testing.T) {
	store := &fakeStore{conns: threeConnections()}
	refresher := &fakeRefresher{fail: map[string]error{"c2": errors.New("invalid_grant")}}
	locker := &fakeLocker{}
	router := mux.NewRouter()
	NewHandler(NewJob(store, refresher, locker, Options{}), "s3cret").Register(router)

	call := func(method, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/cron/keepalive", nil)
		if secret != "" {
			req.Header.Set(SecretHeader, secret)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "wrong").Code)
	assert.Empty(t, refresher.calls)

	rec := call(http.MethodPost, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, float64(3), body["totalConnections"])
	assert.Equal(t, float64(2), body["tokensRefreshed"])
	assert.Equal(t, float64(1), body["failureCount"])
	assert.Len(t, body["errors"], 1)

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "s3cret").Code)

	_, _, _ = locker.Acquire(context.Background(), lockKey, time.Minute)
	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "s3cret").Code)
}

func TestValidSecret(t *testing.T) {
	assert.True(t, ValidSecret("abc", "abc"))
	assert.False(t, ValidSecret("abc", "abd"))
	assert.False(t, ValidSecret("", ""))
	assert.False(t, ValidSecret("abc", ""))
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	job := NewJob(&fakeStore{}, &fakeRefresher{}, nil, Options{})
	_, err := NewScheduler(job, "not a cron", time.Minute)
	assert.Error(t, err)

	s, err := NewScheduler(job, "0 4 * * *", time.Minute)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
