package gateway

import (
	"errors"
	"fmt"

	"github.com/roomsync/platform/pkg/channel/token"
)

var (
	ErrAuthentication        = errors.New("authentication error")
	ErrRateLimited           = errors.New("rate limited")
	ErrAPI                   = errors.New("api error")
	ErrUnexpectedContentType = errors.New("unexpected content type")
	ErrTransport             = errors.New("transport error")
)

// CallError is a classified failure of one provider call.
type CallError struct {
	Kind       error
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Body)
}

func (e *CallError) Unwrap() error {
	return e.Kind
}

// Category names used in audit entries and dashboards.
const (
	CategoryAuthentication    = "authentication"
	CategoryRateLimited       = "rate_limited"
	CategoryAPI               = "api_error"
	CategoryContentType       = "unexpected_content_type"
	CategoryTransport         = "transport"
	CategoryCredentialMissing = "credential_missing"
	CategoryRefreshFailed     = token.CategoryRefreshFailed
	CategoryOther             = "other"
)
