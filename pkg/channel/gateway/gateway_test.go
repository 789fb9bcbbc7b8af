package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	err       error
}

func (f *fakeTokens) Token(_ context.Context, _ string, kind models.TokenKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if kind == models.TokenRead {
		return "read-token", nil
	}
	return f.token, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token = "refreshed"
	return f.token, nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (r *memoryRecorder) Record(_ context.Context, entry models.AuditEntry) models.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return entry
}

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

// scripted answers each request with the next response in the script.
func scripted(t *testing.T, responses ...func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(responses) {
			t.Errorf("unexpected request %d", n+1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		responses[n](w, r)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func respond(status int, body string, headers map[string]string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestPolicy(server *httptest.Server, tokens *fakeTokens, rec Recorder, sleeper *recordingSleeper) *Policy {
	client := NewClient(server.Client(), tokens, Options{
		BaseURL:      server.URL,
		AuthScheme:   "Bearer",
		AuthPrefixes: []string{"/authentication"},
	})
	return NewPolicy(client, tokens, rec, PolicyOptions{
		Provider: "test",
		MaxWait:  5 * time.Minute,
		Sleep:    sleeper.Sleep,
	})
}

func TestUnauthorizedRefreshesAndRetriesOnce(t *testing.T) {
	var seen []string
	server, calls := scripted(t,
		func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Header.Get("Authorization"))
			respond(http.StatusUnauthorized, `{"error":"expired"}`, nil)(w, r)
		},
		func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Header.Get("Authorization"))
			respond(http.StatusOK, `{"ok":true}`, nil)(w, r)
		},
	)
	tokens := &fakeTokens{token: "stale"}
	rec := &memoryRecorder{}
	policy := newTestPolicy(server, tokens, rec, &recordingSleeper{})

	res, err := policy.Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/properties", TokenKind: models.TokenWrite})
	require.NoError(t, err)

	assert.True(t, res.Outcome.Success)
	assert.Equal(t, http.StatusOK, res.Outcome.StatusCode)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"Bearer stale", "Bearer refreshed"}, seen)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, models.AuditError, rec.entries[0].Status)
	assert.Equal(t, CategoryAuthentication, rec.entries[0].ErrorCategory)
	assert.Equal(t, models.AuditSuccess, rec.entries[1].Status)
	assert.Equal(t, 2, rec.entries[1].Attempt)
	assert.Equal(t, rec.entries[0].TraceID, rec.entries[1].TraceID)
	assert.Len(t, res.Entries, 2)
}

func TestSecondUnauthorizedSurfacesAuthenticationError(t *testing.T) {
	server, calls := scripted(t,
		respond(http.StatusUnauthorized, `{}`, nil),
		respond(http.StatusUnauthorized, `{}`, nil),
	)
	tokens := &fakeTokens{token: "stale"}
	rec := &memoryRecorder{}

	_, err := newTestPolicy(server, tokens, rec, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/properties"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, rec.entries, 2)
}

func TestRateLimitedWaitsForResetThenRetries(t *testing.T) {
	server, calls := scripted(t,
		respond(http.StatusTooManyRequests, `{"error":"slow down"}`, map[string]string{
			"X-FiveMinCreditLimit-ResetsIn":  "60",
			"X-FiveMinCreditLimit-Remaining": "0",
		}),
		respond(http.StatusOK, `{"ok":true}`, map[string]string{
			"X-RequestCost":                  "2",
			"X-FiveMinCreditLimit-Remaining": "98",
		}),
	)
	rec := &memoryRecorder{}
	sleeper := &recordingSleeper{}

	res, err := newTestPolicy(server, &fakeTokens{token: "t"}, rec, sleeper).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{60 * time.Second}, sleeper.waits)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 98, res.Outcome.CreditsRemaining)
	assert.Equal(t, 2, res.Outcome.RequestCost)
	require.Len(t, rec.entries, 2)
	assert.Equal(t, CategoryRateLimited, rec.entries[0].ErrorCategory)
	assert.Equal(t, 2, rec.entries[1].RequestCost)
}

func TestRateLimitWaitIsCapped(t *testing.T) {
	server, _ := scripted(t,
		respond(http.StatusTooManyRequests, `{}`, map[string]string{"X-FiveMinCreditLimit-ResetsIn": "900"}),
		respond(http.StatusTooManyRequests, `{}`, map[string]string{"X-FiveMinCreditLimit-ResetsIn": "900"}),
	)
	sleeper := &recordingSleeper{}

	_, err := newTestPolicy(server, &fakeTokens{token: "t"}, &memoryRecorder{}, sleeper).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, []time.Duration{5 * time.Minute}, sleeper.waits)
}

func TestRateLimitBackoffIsCancellable(t *testing.T) {
	server, calls := scripted(t,
		respond(http.StatusTooManyRequests, `{}`, map[string]string{"X-FiveMinCreditLimit-ResetsIn": "60"}),
	)
	client := NewClient(server.Client(), &fakeTokens{token: "t"}, Options{BaseURL: server.URL})
	policy := NewPolicy(client, &fakeTokens{token: "t"}, nil, PolicyOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := policy.Execute(ctx, Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsNotRetried(t *testing.T) {
	server, calls := scripted(t, respond(http.StatusInternalServerError, `{"error":"boom"}`, nil))
	rec := &memoryRecorder{}

	res, err := newTestPolicy(server, &fakeTokens{token: "t"}, rec, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates", Method: http.MethodPost, Body: map[string]int{"x": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAPI))

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, http.StatusInternalServerError, callErr.StatusCode)
	assert.Contains(t, callErr.Body, "boom")

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, res.Outcome.Success)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, CategoryAPI, rec.entries[0].ErrorCategory)
}

func TestNonJSONSuccessIsUnexpectedContentType(t *testing.T) {
	server, _ := scripted(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>maintenance</html>"))
	})
	rec := &memoryRecorder{}

	_, err := newTestPolicy(server, &fakeTokens{token: "t"}, rec, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedContentType))
	require.Len(t, rec.entries, 1)
	assert.Equal(t, CategoryContentType, rec.entries[0].ErrorCategory)
}

func TestEmptySuccessBodyIsAccepted(t *testing.T) {
	server, _ := scripted(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	res, err := newTestPolicy(server, &fakeTokens{token: "t"}, &memoryRecorder{}, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Success)
	assert.Nil(t, res.Outcome.Payload)
}

func TestMissingCredentialIsNotRetried(t *testing.T) {
	server, calls := scripted(t)
	tokens := &fakeTokens{err: token.ErrCredentialMissing}
	rec := &memoryRecorder{}

	_, err := newTestPolicy(server, tokens, rec, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "/rates"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, token.ErrCredentialMissing))
	assert.Equal(t, int32(0), calls.Load())
	require.Len(t, rec.entries, 1)
	assert.Equal(t, CategoryCredentialMissing, rec.entries[0].ErrorCategory)
}

func TestAuthenticationEndpointSkipsToken(t *testing.T) {
	server, _ := scripted(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/authentication/token", r.URL.Path)
		respond(http.StatusOK, `{}`, nil)(w, r)
	})
	tokens := &fakeTokens{err: token.ErrCredentialMissing}

	res, err := newTestPolicy(server, tokens, nil, &recordingSleeper{}).
		Execute(context.Background(), Request{ConnectionID: "c1", Endpoint: "authentication/token"})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Success)
}

func TestRequestCarriesParamsBodyAndReadToken(t *testing.T) {
	server, _ := scripted(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "2024-05-01", r.URL.Query().Get("from"))
		assert.Equal(t, "Bearer read-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		respond(http.StatusOK, `{"id":"r1"}`, nil)(w, r)
	})
	res, err := newTestPolicy(server, &fakeTokens{token: "t"}, nil, &recordingSleeper{}).
		Execute(context.Background(), Request{
			ConnectionID: "c1",
			Method:       "post",
			Endpoint:     "/rates",
			Params:       map[string][]string{"from": {"2024-05-01"}},
			Body:         map[string]string{"a": "b"},
			TokenKind:    models.TokenRead,
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "r1"}, res.Outcome.Payload)
}

func TestParseRateLimitDefaultsToZero(t *testing.T) {
	rl := ParseRateLimit(http.Header{}, DefaultHeaderNames())
	assert.Equal(t, models.RateLimit{}, rl)

	h := http.Header{}
	h.Set("X-RequestCost", "3")
	h.Set("X-FiveMinCreditLimit-Remaining", "120")
	h.Set("X-FiveMinCreditLimit-ResetsIn", "42.4")
	h.Set("X-FiveMinCreditLimit", "not-a-number")
	rl = ParseRateLimit(h, DefaultHeaderNames())
	assert.Equal(t, 3, rl.RequestCost)
	assert.Equal(t, 120, rl.CreditsRemaining)
	assert.True(t, rl.RemainingKnown)
	assert.Equal(t, 42, rl.CreditsResetInSeconds)
	assert.Equal(t, 0, rl.CreditLimit)
}

func TestCreditReserveHoldsNextCall(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	server, _ := scripted(t,
		respond(http.StatusOK, `{}`, map[string]string{
			"X-FiveMinCreditLimit-Remaining": "5",
			"X-FiveMinCreditLimit-ResetsIn":  "30",
		}),
		respond(http.StatusOK, `{}`, nil),
		respond(http.StatusOK, `{}`, nil),
	)
	sleeper := &recordingSleeper{}
	client := NewClient(server.Client(), &fakeTokens{token: "t"}, Options{
		BaseURL:       server.URL,
		CreditReserve: 10,
		Sleep:         sleeper.Sleep,
		Now:           func() time.Time { return now },
	})

	first := client.Call(context.Background(), Request{ConnectionID: "c1", Endpoint: "/a"})
	require.True(t, first.Success)
	assert.Empty(t, sleeper.waits)

	second := client.Call(context.Background(), Request{ConnectionID: "c1", Endpoint: "/a"})
	require.True(t, second.Success)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.waits)

	// other connections are unaffected
	client.Call(context.Background(), Request{ConnectionID: "c2", Endpoint: "/a"})
	assert.Len(t, sleeper.waits, 1)
}
