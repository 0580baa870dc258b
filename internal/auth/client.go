package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// Token is a usable OAuth token pair for one account.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// IMAPCredentials are decrypted connection parameters for a poll-kind
// account.
type IMAPCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	// TLS selects implicit TLS (993); otherwise STARTTLS on 143.
	TLS bool `json:"tls"`
}

// Client fetches decrypted credentials from the auth service, which
// owns encryption-at-rest, refresh, and the OAuth authorization-code
// exchange. This subsystem only ever sees short-lived tokens.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(authServerURL string) *Client {
	return &Client{
		baseURL: authServerURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetOAuthToken fetches the current OAuth token for an account,
// refreshed server-side if necessary.
func (c *Client) GetOAuthToken(ctx context.Context, accountID string) (*Token, error) {
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := c.get(ctx, fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, accountID), &result); err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// GetIMAPCredentials fetches decrypted IMAP connection parameters.
func (c *Client) GetIMAPCredentials(ctx context.Context, accountID string) (*IMAPCredentials, error) {
	var creds IMAPCredentials
	if err := c.get(ctx, fmt.Sprintf("%s/api/auth/accounts/%s/imap", c.baseURL, accountID), &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// No usable credential: upstream has to run re-auth.
		return fmt.Errorf("%w: auth service returned %d", provider.ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth service status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
