package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/platform/pkg/common/httpclient"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/observability/metrics"
	"golang.org/x/sync/singleflight"
)

// OperationRefresh and CategoryRefreshFailed label token endpoint calls in
// the audit log.
const (
	OperationRefresh      = "token_refresh"
	CategoryRefreshFailed = "refresh_failed"
)

var (
	ErrCredentialMissing = errors.New("credential missing")
	ErrRefreshFailed     = errors.New("token refresh failed")
	ErrUnknownConnection = errors.New("unknown connection")
)

// CredentialStore persists per-connection credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, connectionID string) (models.Credential, error)
	UpdateCredential(ctx context.Context, connectionID string, update models.TokenUpdate) error
}

// Refreshed is what a Refresher hands back after an exchange. A zero
// ExpiresAt means the provider did not report a lifetime. StatusCode and
// Header are filled whenever the token endpoint answered, also when Refresh
// returns an error.
type Refreshed struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
	StatusCode   int
	Header       http.Header
}

// Refresher exchanges a refresh credential for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Refreshed, error)
}

// Auditor receives one entry per token endpoint attempt.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry) models.AuditEntry
}

// Lease is the in-process cached access token for one connection.
type Lease struct {
	Token     string
	ExpiresAt time.Time
}

type Options struct {
	// ReadToken is the static long-lived token used for read calls.
	ReadToken       string
	SafetyBuffer    time.Duration
	DefaultTTL      time.Duration
	RefreshAttempts int
	// RefreshTimeout bounds one shared exchange, retries included.
	RefreshTimeout time.Duration
	Audit          Auditor
	Provider       string
	TokenEndpoint  string
	// RateLimit reads credit headers off token endpoint responses.
	RateLimit func(http.Header) models.RateLimit
	Now       func() time.Time
}

// Manager hands out valid access tokens, refreshing them on demand.
// Create one per process and share it.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	opts      Options

	mu     sync.RWMutex
	leases map[string]Lease
	group  singleflight.Group
}

func NewManager(store CredentialStore, refresher Refresher, opts Options) *Manager {
	if opts.SafetyBuffer <= 0 {
		opts.SafetyBuffer = 5 * time.Minute
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Hour
	}
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 1
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = time.Duration(opts.RefreshAttempts) * 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		opts:      opts,
		leases:    make(map[string]Lease),
	}
}

// Token returns a currently valid token of the given kind for connectionID.
func (m *Manager) Token(ctx context.Context, connectionID string, kind models.TokenKind) (string, error) {
	if kind == models.TokenRead {
		if m.opts.ReadToken == "" {
			return "", fmt.Errorf("read token not configured: %w", ErrCredentialMissing)
		}
		return m.opts.ReadToken, nil
	}

	if lease, ok := m.lease(connectionID); ok {
		return lease.Token, nil
	}

	cred, err := m.store.GetCredential(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if cred.ValidAt(m.opts.Now(), m.opts.SafetyBuffer) {
		m.setLease(connectionID, Lease{Token: cred.AccessToken, ExpiresAt: *cred.ExpiresAt})
		return cred.AccessToken, nil
	}

	return m.refresh(ctx, connectionID, cred.RefreshToken)
}

// ForceRefresh bypasses the lease and the stored token.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return m.refresh(ctx, connectionID, cred.RefreshToken)
}

// Invalidate drops the cached lease, e.g. after an operator replaced the
// refresh credential.
func (m *Manager) Invalidate(connectionID string) {
	m.mu.Lock()
	delete(m.leases, connectionID)
	m.mu.Unlock()
}

// Lease returns the cached lease for inspection.
func (m *Manager) Lease(connectionID string) (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lease, ok := m.leases[connectionID]
	return lease, ok
}

func (m *Manager) lease(connectionID string) (Lease, bool) {
	lease, ok := m.Lease(connectionID)
	if !ok {
		return Lease{}, false
	}
	if !m.opts.Now().Add(m.opts.SafetyBuffer).Before(lease.ExpiresAt) {
		return Lease{}, false
	}
	return lease, true
}

func (m *Manager) setLease(connectionID string, lease Lease) {
	m.mu.Lock()
	m.leases[connectionID] = lease
	m.mu.Unlock()
}

// refresh collapses concurrent refreshes of one connection into a single
// provider call. The exchange runs detached from any one caller's context,
// bounded by RefreshTimeout, and each caller stops waiting when its own
// context ends. The lease is replaced only after a complete, successful
// exchange.
func (m *Manager) refresh(ctx context.Context, connectionID, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("connection %s has no refresh credential: %w", connectionID, ErrCredentialMissing)
	}

	ch := m.group.DoChan(connectionID, func() (interface{}, error) {
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()
		return m.exchange(exchangeCtx, connectionID, refreshToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Lease).Token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) exchange(ctx context.Context, connectionID, refreshToken string) (Lease, error) {
	traceID := uuid.NewString()
	attempt := 0

	var refreshed Refreshed
	err := httpclient.Retry(ctx, m.opts.RefreshAttempts, 250*time.Millisecond, func() error {
		attempt++
		start := m.opts.Now()
		var callErr error
		refreshed, callErr = m.refresher.Refresh(ctx, refreshToken)
		if callErr == nil && refreshed.AccessToken == "" {
			callErr = errors.New("provider returned an empty access token")
		}
		m.record(ctx, connectionID, traceID, attempt, refreshed, callErr, m.opts.Now().Sub(start))
		return callErr
	})
	if err != nil {
		metrics.ObserveTokenRefresh(false)
		return Lease{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	metrics.ObserveTokenRefresh(true)

	expiresAt := refreshed.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = m.opts.Now().Add(m.opts.DefaultTTL)
	}
	lease := Lease{Token: refreshed.AccessToken, ExpiresAt: expiresAt}
	m.setLease(connectionID, lease)

	update := models.TokenUpdate{
		AccessToken: refreshed.AccessToken,
		ExpiresAt:   expiresAt,
	}
	if refreshed.RefreshToken != "" && refreshed.RefreshToken != refreshToken {
		update.RefreshToken = refreshed.RefreshToken
	}
	if err := m.store.UpdateCredential(ctx, connectionID, update); err != nil {
		logger.WithConnection(connectionID).WithError(err).Warn("failed to persist refreshed token")
	}

	logger.WithConnection(connectionID).WithField("expires_at", expiresAt).Info("access token refreshed")
	return lease, nil
}

// record audits one token endpoint attempt. Tokens never enter the entry.
func (m *Manager) record(ctx context.Context, connectionID, traceID string, attempt int, refreshed Refreshed, err error, took time.Duration) {
	if m.opts.Audit == nil {
		return
	}
	entry := models.AuditEntry{
		Provider:     m.opts.Provider,
		Operation:    OperationRefresh,
		Endpoint:     m.opts.TokenEndpoint,
		Status:       models.AuditSuccess,
		StatusCode:   refreshed.StatusCode,
		ConnectionID: connectionID,
		Attempt:      attempt,
		DurationMs:   took.Milliseconds(),
		TraceID:      traceID,
		CreatedAt:    m.opts.Now().UTC(),
	}
	if m.opts.RateLimit != nil && refreshed.Header != nil {
		rl := m.opts.RateLimit(refreshed.Header)
		entry.RequestCost = rl.RequestCost
		entry.CreditsRemaining = rl.CreditsRemaining
		if rl.RemainingKnown {
			metrics.ObserveCredits(connectionID, rl.CreditsRemaining)
		}
	}
	if err != nil {
		entry.Status = models.AuditError
		entry.ErrorCategory = CategoryRefreshFailed
		entry.ErrorMessage = err.Error()
	} else if !refreshed.ExpiresAt.IsZero() {
		entry.ResponsePayload = map[string]interface{}{"expires_at": refreshed.ExpiresAt.UTC()}
	}
	m.opts.Audit.Record(ctx, entry)
}
