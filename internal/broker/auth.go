package broker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/terrpan/brokerproxy/internal/clock"
	"github.com/terrpan/brokerproxy/internal/model"
)

const (
	// tokenRefreshMargin is how long before expiry a cached token is
	// replaced.
	tokenRefreshMargin = 2 * time.Minute

	assertionLifetime = 5 * time.Minute
	assertionSkew     = 30 * time.Second

	// defaultTokenLifetime is assumed when the token endpoint omits
	// expires_in.
	defaultTokenLifetime = 10 * time.Minute

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// TokenProvider supplies bearer tokens for broker requests.
type TokenProvider interface {
	// Token returns a valid access token, exchanging a new client
	// assertion when the cached one is missing or close to expiry.
	Token(ctx context.Context) (string, error)
	// Invalidate drops the cached token so the next Token call
	// re-authenticates.
	Invalidate()
}

// TokenSource exchanges RS256 client assertions signed with the runner's
// key for access tokens at the credential's authorization URL.
type TokenSource struct {
	clientID string
	authURL  string
	key      *rsa.PrivateKey
	http     *http.Client
	clock    clock.Clock

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

var _ TokenProvider = (*TokenSource)(nil)

// NewTokenSource validates the credential and builds a TokenSource.
func NewTokenSource(cred *model.Credential, client *http.Client, clk clock.Clock) (*TokenSource, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	key, err := cred.RSA.PrivateKey()
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenSource{
		clientID: cred.OAuth.ClientID,
		authURL:  cred.OAuth.AuthorizationURL,
		key:      key,
		http:     client,
		clock:    clk,
	}, nil
}

// Token returns the cached token or exchanges a new assertion.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.clock.Now().Before(t.expiresAt.Add(-tokenRefreshMargin)) {
		return t.token, nil
	}

	token, expiresAt, err := t.exchange(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.expiresAt = expiresAt
	return token, nil
}

// Invalidate drops the cached token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenSource) exchange(ctx context.Context) (string, time.Time, error) {
	now := t.clock.Now()
	assertion, err := t.assertion(now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing client assertion: %w", err)
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &StatusError{Op: "token exchange", StatusCode: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token exchange returned an empty token")
	}

	lifetime := time.Duration(result.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	return result.AccessToken, now.Add(lifetime), nil
}

// assertion builds the signed JWT that proves possession of the runner
// key.
func (t *TokenSource) assertion(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    t.clientID,
		Subject:   t.clientID,
		Audience:  jwt.ClaimStrings{t.authURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-assertionSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.key)
}
