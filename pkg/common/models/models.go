package models

import (
	"encoding/json"
	"time"
)

// Token kinds accepted by the channel provider.
type TokenKind string

const (
	TokenRead  TokenKind = "read"
	TokenWrite TokenKind = "write"
)

const (
	ConnectionActive = "active"
	ConnectionError  = "error"
)

// Connection is one external channel-manager connection and its credential.
// Secrets never leave the process through JSON.
type Connection struct {
	ID             string     `json:"id"`
	HotelID        string     `json:"hotel_id"`
	Provider       string     `json:"provider"`
	Status         string     `json:"status"`
	RefreshToken   string     `json:"-"`
	AccessToken    string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	LastTokenUse   *time.Time `json:"last_token_use,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Credential is the token-relevant slice of a connection.
type Credential struct {
	ConnectionID string
	RefreshToken string
	AccessToken  string
	ExpiresAt    *time.Time
}

// ValidAt reports whether the stored access token can be used at now with
// the given safety buffer. A token without an expiry is never valid.
func (c Credential) ValidAt(now time.Time, buffer time.Duration) bool {
	if c.AccessToken == "" || c.ExpiresAt == nil {
		return false
	}
	return now.Add(buffer).Before(*c.ExpiresAt)
}

// TokenUpdate is persisted after a successful refresh. RefreshToken is only
// set when the provider rotated it.
type TokenUpdate struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string
}

// RateLimit holds the credit signals the provider attaches to every response.
type RateLimit struct {
	RequestCost           int  `json:"request_cost"`
	CreditsRemaining      int  `json:"credits_remaining"`
	CreditsResetInSeconds int  `json:"credits_reset_in_seconds"`
	CreditLimit           int  `json:"credit_limit"`
	RemainingKnown        bool `json:"-"`
}

// CallOutcome is the result of a single outbound attempt.
type CallOutcome struct {
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	RateLimit
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Err carries the classified failure, if any.
	Err error `json:"-"`
}

const (
	AuditSuccess = "success"
	AuditError   = "error"
)

// AuditEntry is the durable, redacted record of one outbound attempt.
type AuditEntry struct {
	ID               string      `json:"id"`
	Provider         string      `json:"provider"`
	Operation        string      `json:"operation"`
	Method           string      `json:"method"`
	Endpoint         string      `json:"endpoint"`
	Status           string      `json:"status"`
	StatusCode       int         `json:"status_code"`
	ErrorCategory    string      `json:"error_category,omitempty"`
	ConnectionID     string      `json:"connection_id"`
	HotelID          string      `json:"hotel_id,omitempty"`
	Attempt          int         `json:"attempt"`
	RequestCost      int         `json:"request_cost"`
	CreditsRemaining int         `json:"credits_remaining"`
	DurationMs       int64       `json:"duration_ms"`
	RequestPayload   interface{} `json:"request_payload,omitempty"`
	ResponsePayload  interface{} `json:"response_payload,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	TraceID          string      `json:"trace_id"`
	CreatedAt        time.Time   `json:"created_at"`
}

// PushChunk is a half-open day span [Start, End) of a bulk push; the final
// chunk ends on the requested end date.
type PushChunk struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Final bool      `json:"final"`
}

// Days returns the chunk span in calendar days.
func (c PushChunk) Days() int {
	return int(c.End.Sub(c.Start).Hours() / 24)
}

type PushResult struct {
	Chunks    int          `json:"chunks"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Entries   []AuditEntry `json:"entries"`
}

// SyncState is per-connection bookkeeping read by dashboards.
type SyncState struct {
	ConnectionID         string               `json:"connection_id"`
	Enabled              bool                 `json:"enabled"`
	BootstrapCompleted   bool                 `json:"bootstrap_completed"`
	BootstrapCompletedAt *time.Time           `json:"bootstrap_completed_at,omitempty"`
	LastSync             map[string]time.Time `json:"last_sync"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

type KeepAliveFailure struct {
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error"`
}

type KeepAliveSummary struct {
	TotalConnections int                `json:"totalConnections"`
	TokensRefreshed  int                `json:"tokensRefreshed"`
	FailureCount     int                `json:"failureCount"`
	Errors           []KeepAliveFailure `json:"errors"`
	StartedAt        time.Time          `json:"startedAt"`
	CompletedAt      time.Time          `json:"completedAt"`
}

// Event is the envelope published on the audit topic.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Data      json.RawMessage   `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
