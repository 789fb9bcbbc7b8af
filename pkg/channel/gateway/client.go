package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roomsync/platform/pkg/common/httpclient"
	"github.com/roomsync/platform/pkg/common/logger"
	"github.com/roomsync/platform/pkg/common/models"
	"github.com/roomsync/platform/pkg/observability/metrics"
	"github.com/sirupsen/logrus"
)

const maxResponseBody = 10 << 20

// TokenSource is the slice of the token manager the gateway needs.
type TokenSource interface {
	Token(ctx context.Context, connectionID string, kind models.TokenKind) (string, error)
	ForceRefresh(ctx context.Context, connectionID string) (string, error)
}

// Request describes one provider call. Endpoint is relative to the
// provider base URL unless it is absolute.
type Request struct {
	ConnectionID string
	HotelID      string
	Operation    string
	Method       string
	Endpoint     string
	Params       url.Values
	Body         interface{}
	TokenKind    models.TokenKind
	TraceID      string
}

func (r Request) operation() string {
	if r.Operation != "" {
		return r.Operation
	}
	return r.method() + " " + r.Endpoint
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r Request) tokenKind() models.TokenKind {
	if r.TokenKind == "" {
		return models.TokenWrite
	}
	return r.TokenKind
}

type Options struct {
	BaseURL      string
	AuthHeader   string
	AuthScheme   string
	AuthPrefixes []string
	Headers      HeaderNames
	// CreditReserve holds calls back once remaining credits drop to this
	// level until the provider window resets. Zero disables it.
	CreditReserve int
	MaxWait       time.Duration
	PacerRPS      float64
	PacerBurst    int
	Sleep         httpclient.Sleeper
	Now           func() time.Time
}

// Client performs single, unretried provider calls and reports every
// response as a CallOutcome.
type Client struct {
	http   *http.Client
	tokens TokenSource
	opts   Options
	pacer  *pacer
}

func NewClient(httpClient *http.Client, tokens TokenSource, opts Options) *Client {
	if httpClient == nil {
		httpClient = httpclient.New(30 * time.Second)
	}
	if opts.AuthHeader == "" {
		opts.AuthHeader = "Authorization"
	}
	if opts.Headers == (HeaderNames{}) {
		opts.Headers = DefaultHeaderNames()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.Sleep == nil {
		opts.Sleep = httpclient.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		http:   httpClient,
		tokens: tokens,
		opts:   opts,
		pacer:  newPacer(opts.PacerRPS, opts.PacerBurst),
	}
}

// Call sends req once. Non-2xx responses are returned unclassified with the
// body as the error detail; the policy decides what they mean.
func (c *Client) Call(ctx context.Context, req Request) models.CallOutcome {
	start := c.opts.Now()
	outcome := c.call(ctx, req)
	outcome.Duration = c.opts.Now().Sub(start)

	metrics.ObserveCall(req.operation(), outcome.StatusCode, outcome.Duration)
	if outcome.RemainingKnown {
		metrics.ObserveCredits(req.ConnectionID, outcome.CreditsRemaining)
	}
	return outcome
}

func (c *Client) call(ctx context.Context, req Request) models.CallOutcome {
	log := logger.WithFields(logrus.Fields{
		"connection_id": req.ConnectionID,
		"operation":     req.operation(),
	})

	if err := c.pacer.wait(ctx, req.ConnectionID); err != nil {
		return failed(err)
	}
	if c.opts.CreditReserve > 0 {
		if wait := c.pacer.creditWait(req.ConnectionID, c.opts.CreditReserve, c.opts.Now()); wait > 0 {
			if wait > c.opts.MaxWait {
				wait = c.opts.MaxWait
			}
			log.WithField("wait", wait.String()).Info("credit reserve reached, waiting for window reset")
			if err := c.opts.Sleep(ctx, wait); err != nil {
				return failed(err)
			}
		}
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return failed(err)
	}

	if !c.isAuthEndpoint(req.Endpoint) {
		token, err := c.tokens.Token(ctx, req.ConnectionID, req.tokenKind())
		if err != nil {
			return failed(err)
		}
		value := token
		if c.opts.AuthScheme != "" {
			value = c.opts.AuthScheme + " " + token
		}
		httpReq.Header.Set(c.opts.AuthHeader, value)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.WithError(err).Warn("provider call failed")
		return failed(&CallError{Kind: ErrTransport, Body: err.Error()})
	}
	defer resp.Body.Close()

	outcome := models.CallOutcome{StatusCode: resp.StatusCode}
	outcome.RateLimit = ParseRateLimit(resp.Header, c.opts.Headers)
	c.pacer.observe(req.ConnectionID, outcome.RateLimit, c.opts.Now())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		outcome.Err = &CallError{Kind: ErrTransport, StatusCode: resp.StatusCode, Body: err.Error()}
		outcome.Error = outcome.Err.Error()
		return outcome
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome.Error = strings.TrimSpace(string(body))
		var parsed interface{}
		if json.Unmarshal(body, &parsed) == nil {
			outcome.Payload = parsed
		}
		return outcome
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		var parsed interface{}
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			outcome.Err = &CallError{
				Kind:       ErrUnexpectedContentType,
				StatusCode: resp.StatusCode,
				Body:       truncate(string(trimmed), 512),
			}
			outcome.Error = outcome.Err.Error()
			return outcome
		}
		outcome.Payload = parsed
	}
	outcome.Success = true
	return outcome
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	target := req.Endpoint
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.opts.BaseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(req.Params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Params.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (c *Client) isAuthEndpoint(endpoint string) bool {
	path := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.IsAbs() {
		path = strings.TrimPrefix(u.Path, strings.TrimRight(c.basePath(), "/"))
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for _, prefix := range c.opts.AuthPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) basePath() string {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return ""
	}
	return u.Path
}

func failed(err error) models.CallOutcome {
	return models.CallOutcome{Err: err, Error: err.Error()}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
