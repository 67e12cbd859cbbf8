package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expiryMargin is how close to expiry a cached token counts as expired.
const expiryMargin = 30 * time.Second

const (
	AuthReasonNetwork     = "network"
	AuthReasonCredentials = "invalid_credentials"
	AuthReasonRateLimited = "rate_limited"
	AuthReasonServer      = "server_error"
	AuthReasonDecode      = "decode_error"
)

// AuthError is a credential or token failure. It is fatal to the
// affected cycle's auth-dependent fetches, never to the process.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spotify auth: %s", e.Reason)
	}
	return fmt.Sprintf("spotify auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Transient reports whether an immediate retry could plausibly succeed.
func (e *AuthError) Transient() bool {
	switch e.Reason {
	case AuthReasonNetwork, AuthReasonServer:
		return true
	}
	return false
}

// AccessToken pairs a bearer token with its expiry. Tokens are replaced
// on refresh, never mutated.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t AccessToken) valid(now time.Time) bool {
	return t.Value != "" && now.Add(expiryMargin).Before(t.ExpiresAt)
}

// TokenSource yields a currently-valid access token. Implementations
// select the authentication mechanism.
type TokenSource interface {
	Token(ctx context.Context) (AccessToken, error)
}

// ClientCredentials implements TokenSource via the OAuth2
// client-credentials flow against the accounts token endpoint. The
// cached token is refreshed lazily inside the expiry margin; concurrent
// callers share a single refresh.
type ClientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpc        *http.Client

	mu  sync.RWMutex
	tok AccessToken

	group singleflight.Group
	now   func() time.Time
}

func NewClientCredentials(tokenURL, clientID, clientSecret string, httpc *http.Client) (*ClientCredentials, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("spotify client credentials are required")
	}
	if tokenURL == "" {
		return nil, errors.New("spotify token url is required")
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ClientCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpc:        httpc,
		now:          time.Now,
	}, nil
}

func (c *ClientCredentials) Token(ctx context.Context) (AccessToken, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		// Another caller may have refreshed while we waited on the group.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		tok, err := c.refresh(ctx)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && ae.Transient() {
				tok, err = c.refresh(ctx)
			}
		}
		if err != nil {
			return AccessToken{}, err
		}
		c.mu.Lock()
		c.tok = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}

func (c *ClientCredentials) cached() (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tok.valid(c.now()) {
		return c.tok, true
	}
	return AccessToken{}, false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *ClientCredentials) refresh(ctx context.Context) (AccessToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &AuthError{Reason: AuthReasonNetwork, Err: err}
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return AccessToken{}, &AuthError{Reason: AuthReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return AccessToken{}, &AuthError{Reason: AuthReasonRateLimited, Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return AccessToken{}, &AuthError{Reason: AuthReasonServer, Err: fmt.Errorf("token endpoint status %d", resp.StatusCode)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return AccessToken{}, &AuthError{Reason: AuthReasonCredentials, Err: fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return AccessToken{}, &AuthError{Reason: AuthReasonDecode, Err: err}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return AccessToken{}, &AuthError{Reason: AuthReasonDecode, Err: errors.New("token response missing access_token or expires_in")}
	}
	return AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
