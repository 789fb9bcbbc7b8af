package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/roomsync/platform/pkg/common/models"
)

// HeaderNames maps the provider-specific rate-limit headers.
type HeaderNames struct {
	RequestCost      string
	CreditsRemaining string
	CreditsReset     string
	CreditLimit      string
}

func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		RequestCost:      "X-RequestCost",
		CreditsRemaining: "X-FiveMinCreditLimit-Remaining",
		CreditsReset:     "X-FiveMinCreditLimit-ResetsIn",
		CreditLimit:      "X-FiveMinCreditLimit",
	}
}

// ParseRateLimit reads the credit signals from h. Missing or malformed
// values read as zero.
func ParseRateLimit(h http.Header, names HeaderNames) models.RateLimit {
	rl := models.RateLimit{
		RequestCost:           headerInt(h, names.RequestCost),
		CreditsResetInSeconds: headerInt(h, names.CreditsReset),
		CreditLimit:           headerInt(h, names.CreditLimit),
	}
	if raw := strings.TrimSpace(h.Get(names.CreditsRemaining)); raw != "" {
		if n, ok := parseInt(raw); ok {
			rl.CreditsRemaining = n
			rl.RemainingKnown = true
		}
	}
	return rl
}

func headerInt(h http.Header, name string) int {
	if name == "" {
		return 0
	}
	n, _ := parseInt(strings.TrimSpace(h.Get(name)))
	return n
}

func parseInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	// some providers send fractional seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f + 0.5), true
	}
	return 0, false
}
