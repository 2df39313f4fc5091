package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIURL is the REST endpoint used to check tokens
const DefaultAPIURL = "https://discord.com/api/v9"

// ErrInvalidToken is returned when the remote service rejects the token
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks a token against the REST API before the session starts.
// The websocket transport does not surface close codes, so this is where an
// invalid token becomes visible.
type TokenVerifier struct {
	client *http.Client
	apiURL string
}

// NewTokenVerifier creates a verifier against apiURL (DefaultAPIURL if empty)
func NewTokenVerifier(apiURL string) *TokenVerifier {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &TokenVerifier{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		apiURL: strings.TrimSuffix(apiURL, "/"),
	}
}

// Verify returns ErrInvalidToken on 401/403, and a plain error when the
// check itself could not be completed.
func (v *TokenVerifier) Verify(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.apiURL+"/users/@me", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("User-Agent", "nowcast/1.0")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
