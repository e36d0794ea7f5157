package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/saihai-dev/saihai/pkg/contracts"
)

const googleTokenEndpoint = "https://oauth2.googleapis.com/token" //nolint:gosec // public endpoint, not a credential

// TokenResponse is the OAuth token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// GoogleOAuth refreshes access tokens against Google's token endpoint.
type GoogleOAuth struct {
	ClientID     string
	ClientSecret string
	Endpoint     string
	httpClient   *http.Client
}

// NewGoogleOAuth creates the refresh client.
func NewGoogleOAuth(clientID, clientSecret string) *GoogleOAuth {
	return &GoogleOAuth{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleTokenEndpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh exchanges a refresh token for a fresh access token.
func (g *GoogleOAuth) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &contracts.IntegrationError{Provider: "google", Message: "token refresh failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &contracts.IntegrationError{
			Provider: "google",
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("token refresh failed: %s", string(body)),
		}
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tokenResp, nil
}

// Refresher is the subset of GoogleOAuth the manager needs; tests substitute it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Manager resolves an owner to a usable access token, refreshing stale tokens
// transparently and persisting the refreshed credential.
type Manager struct {
	store   *Store
	oauth   Refresher
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewManager builds a Manager.
func NewManager(store *Store, oauth Refresher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, oauth: oauth, logger: logger, nowFunc: time.Now}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowFunc = now
	return m
}

// AccessToken returns a valid access token for owner. Tokens within the
// refresh skew of expiry are refreshed first; a refresh response without a
// refresh token keeps the stored one.
func (m *Manager) AccessToken(ctx context.Context, owner string) (string, error) {
	tok, err := m.store.Resolve(ctx, owner)
	if err != nil {
		return "", err
	}
	if !tok.Stale(m.nowFunc()) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		return "", &contracts.CredentialError{Owner: owner, Message: "token expired and no refresh token available"}
	}

	resp, err := m.oauth.Refresh(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}

	tok.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		tok.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		tok.TokenType = resp.TokenType
	}
	if resp.Scope != "" {
		tok.Scope = resp.Scope
	}
	if resp.ExpiresIn > 0 {
		exp := m.nowFunc().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
		tok.ExpiresAt = &exp
	}
	if err := m.store.Save(ctx, tok); err != nil {
		return "", err
	}
	m.logger.Info("refreshed google token", "user_id", tok.UserID)
	return tok.AccessToken, nil
}
