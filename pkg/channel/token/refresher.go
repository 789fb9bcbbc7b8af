package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	ModeOAuth2 = "oauth2"
	ModeHeader = "header"
)

// OAuth2Refresher performs a standard refresh_token grant (form POST).
type OAuth2Refresher struct {
	config *oauth2.Config
	client *http.Client
}

func NewOAuth2Refresher(tokenURL, clientID, clientSecret string, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (Refreshed, error) {
	capture := &responseCapture{base: http.DefaultTransport}
	client := &http.Client{Transport: capture}
	if r.client != nil {
		if r.client.Transport != nil {
			capture.base = r.client.Transport
		}
		client.Timeout = r.client.Timeout
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	out := Refreshed{StatusCode: capture.status, Header: capture.header}
	if err != nil {
		return out, err
	}
	out.AccessToken = tok.AccessToken
	out.ExpiresAt = tok.Expiry
	out.RefreshToken = tok.RefreshToken
	return out, nil
}

// responseCapture keeps the status and headers of the last response, which
// x/oauth2 does not expose.
type responseCapture struct {
	base   http.RoundTripper
	status int
	header http.Header
}

func (c *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.base.RoundTrip(req)
	if resp != nil {
		c.status = resp.StatusCode
		c.header = resp.Header.Clone()
	}
	return resp, err
}

// HeaderRefresher calls a GET token endpoint that takes the refresh
// credential in a request header.
type HeaderRefresher struct {
	tokenURL string
	header   string
	client   *http.Client
	now      func() time.Time
}

func NewHeaderRefresher(tokenURL, header string, client *http.Client) *HeaderRefresher {
	if header == "" {
		header = "refreshToken"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HeaderRefresher{tokenURL: tokenURL, header: header, client: client, now: time.Now}
}

type tokenResponse struct {
	AccessToken       string `json:"access_token"`
	Token             string `json:"token"`
	ExpiresIn         int64  `json:"expires_in"`
	ExpiresInCamel    int64  `json:"expiresIn"`
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
}

func (r *HeaderRefresher) Refresh(ctx context.Context, refreshToken string) (Refreshed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.tokenURL, nil)
	if err != nil {
		return Refreshed{}, err
	}
	req.Header.Set(r.header, refreshToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Refreshed{}, err
	}
	defer resp.Body.Close()
	out := Refreshed{StatusCode: resp.StatusCode, Header: resp.Header}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return out, fmt.Errorf("decode token response: %w", err)
	}

	out.AccessToken = firstNonEmpty(parsed.AccessToken, parsed.Token)
	out.RefreshToken = firstNonEmpty(parsed.RefreshToken, parsed.RefreshTokenCamel)
	expiresIn := parsed.ExpiresIn
	if expiresIn == 0 {
		expiresIn = parsed.ExpiresInCamel
	}
	if expiresIn > 0 {
		out.ExpiresAt = r.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return out, nil
}

// NewRefresher picks the refresher for the configured token mode.
func NewRefresher(mode, tokenURL, clientID, clientSecret, header string, client *http.Client) (Refresher, error) {
	switch strings.ToLower(mode) {
	case "", ModeOAuth2:
		return NewOAuth2Refresher(tokenURL, clientID, clientSecret, client), nil
	case ModeHeader:
		return NewHeaderRefresher(tokenURL, header, client), nil
	default:
		return nil, fmt.Errorf("unsupported token mode %q", mode)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
