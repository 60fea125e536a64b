package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Timeout configuration for token-endpoint operations.
const (
	tokenExchangeTimeout = 10 * time.Second
	refreshTokenTimeout  = 10 * time.Second
)

// ErrRefreshTokenExpired indicates that the refresh token has been revoked
// or expired (an invalid_grant-class response). This is the only failure
// that justifies destroying stored credentials.
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// tokenResponse is the identity provider's token-endpoint success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// expiresAtMillis converts the relative expires_in to an absolute epoch
// instant.
func (t *tokenResponse) expiresAtMillis(now time.Time) int64 {
	expiresIn := t.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return now.Add(time.Duration(expiresIn) * time.Second).UnixMilli()
}

// validateTokenResponse validates the OAuth token response.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && tokenType != "Bearer" {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// postToken POSTs a form-encoded grant to the token endpoint and parses the
// response. Non-2xx responses come back as *oauth2.RetrieveError carrying
// the body so callers can classify the failure. The client is deliberately
// a plain http.Client: the lifecycle manager owns retry policy for this
// endpoint and a transparently retrying transport would skew its attempt
// accounting.
func postToken(
	ctx context.Context,
	client *http.Client,
	tokenURL string,
	data url.Values,
) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		tokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if err := validateTokenResponse(token.AccessToken, token.TokenType, token.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &token, nil
}

// isTransientTokenError reports whether a token-endpoint failure is worth
// retrying: HTTP 5xx, HTTP 429, or a network-level error. Anything the
// provider answered with a definitive 4xx is not transient.
func isTransientTokenError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := retrieveErr.Response.StatusCode
		return status >= 500 || status == http.StatusTooManyRequests
	}
	// Non-HTTP failures (DNS, connection reset, timeout) are transient.
	return !errors.Is(err, context.Canceled)
}

// isInvalidGrant reports whether the provider marked the grant itself as
// invalid, which permanently invalidates the stored refresh token.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return strings.Contains(string(retrieveErr.Body), "invalid_grant")
	}
	return false
}
