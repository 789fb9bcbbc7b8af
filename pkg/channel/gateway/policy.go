package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/platform/pkg/channel/token"
	"github.com/roomsync/platform/pkg/common/httpclient"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

// Caller sends one unretried request.
type Caller interface {
	Call(ctx context.Context, req Request) models.CallOutcome
}

// Recorder receives one entry per attempt and returns the entry as stored
// (redacted). It must not fail the call.
type Recorder interface {
	Record(ctx context.Context, entry models.AuditEntry) models.AuditEntry
}

type PolicyOptions struct {
	Provider string
	// MaxWait bounds the 429 backoff.
	MaxWait time.Duration
	// DefaultBackoff is used when a 429 carries no reset hint.
	DefaultBackoff time.Duration
	Sleep          httpclient.Sleeper
	Now            func() time.Time
}

// Policy wraps a Caller with the 401/429 retry rules. Each status is
// retried at most once per Execute.
type Policy struct {
	caller   Caller
	tokens   TokenSource
	recorder Recorder
	opts     PolicyOptions
}

// Result is the last attempt's outcome and the audit entries of every
// attempt, in order.
type Result struct {
	Outcome models.CallOutcome
	Entries []models.AuditEntry
}

func NewPolicy(caller Caller, tokens TokenSource, recorder Recorder, opts PolicyOptions) *Policy {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.DefaultBackoff <= 0 {
		opts.DefaultBackoff = 10 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = httpclient.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Policy{caller: caller, tokens: tokens, recorder: recorder, opts: opts}
}

func (p *Policy) Execute(ctx context.Context, req Request) (Result, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	log := logger.WithFields(logrus.Fields{
		"connection_id": req.ConnectionID,
		"operation":     req.operation(),
		"trace_id":      req.TraceID,
	})

	var (
		result      Result
		authRetried bool
		rateRetried bool
	)
	for attempt := 1; ; attempt++ {
		outcome := p.caller.Call(ctx, req)
		err := classify(outcome)
		outcome.Err = err
		result.Outcome = outcome
		result.Entries = append(result.Entries, p.record(ctx, req, outcome, attempt))

		if err == nil {
			return result, nil
		}

		switch {
		case outcome.StatusCode == http.StatusUnauthorized && !authRetried:
			authRetried = true
			metrics.ObserveRetry("unauthorized")
			log.Warn("provider rejected token, refreshing and retrying once")
			if req.tokenKind() == models.TokenWrite {
				if _, refreshErr := p.tokens.ForceRefresh(ctx, req.ConnectionID); refreshErr != nil {
					return result, refreshErr
				}
			}

		case outcome.StatusCode == http.StatusTooManyRequests && !rateRetried:
			rateRetried = true
			metrics.ObserveRetry("rate_limited")
			wait := p.backoff(outcome.CreditsResetInSeconds)
			log.WithField("wait", wait.String()).Warn("rate limited, backing off before retry")
			if sleepErr := p.opts.Sleep(ctx, wait); sleepErr != nil {
				return result, sleepErr
			}

		default:
			return result, err
		}
	}
}

func (p *Policy) backoff(resetInSeconds int) time.Duration {
	wait := time.Duration(resetInSeconds) * time.Second
	if wait <= 0 {
		wait = p.opts.DefaultBackoff
	}
	if wait > p.opts.MaxWait {
		wait = p.opts.MaxWait
	}
	return wait
}

func (p *Policy) record(ctx context.Context, req Request, outcome models.CallOutcome, attempt int) models.AuditEntry {
	entry := models.AuditEntry{
		ID:               uuid.NewString(),
		Provider:         p.opts.Provider,
		Operation:        req.operation(),
		Method:           req.method(),
		Endpoint:         req.Endpoint,
		Status:           models.AuditSuccess,
		StatusCode:       outcome.StatusCode,
		ConnectionID:     req.ConnectionID,
		HotelID:          req.HotelID,
		Attempt:          attempt,
		RequestCost:      outcome.RequestCost,
		CreditsRemaining: outcome.CreditsRemaining,
		DurationMs:       outcome.Duration.Milliseconds(),
		RequestPayload:   req.Body,
		ResponsePayload:  outcome.Payload,
		TraceID:          req.TraceID,
		CreatedAt:        p.opts.Now().UTC(),
	}
	if outcome.Err != nil {
		entry.Status = models.AuditError
		entry.ErrorCategory = Category(outcome.Err)
		entry.ErrorMessage = outcome.Err.Error()
	}
	if p.recorder == nil {
		return entry
	}
	return p.recorder.Record(ctx, entry)
}

// classify maps a raw outcome onto the error taxonomy.
func classify(outcome models.CallOutcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}
	if outcome.Success {
		return nil
	}
	kind := ErrAPI
	switch outcome.StatusCode {
	case http.StatusUnauthorized:
		kind = ErrAuthentication
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	}
	return &CallError{Kind: kind, StatusCode: outcome.StatusCode, Body: truncate(outcome.Error, 2048)}
}

// Category names the audit error category for err.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CategoryAuthentication
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrAPI):
		return CategoryAPI
	case errors.Is(err, ErrUnexpectedContentType):
		return CategoryContentType
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTransport
	case errors.Is(err, token.ErrCredentialMissing):
		return CategoryCredentialMissing
	case errors.Is(err, token.ErrRefreshFailed):
		return CategoryRefreshFailed
	default:
		return CategoryOther
	}
}
