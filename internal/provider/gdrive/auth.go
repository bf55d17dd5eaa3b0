package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/driveback/driveback/internal/provider"
	"github.com/driveback/driveback/internal/secrets"
)

// OAuth scopes: read-only Drive access plus identity for account labeling.
var oauthScopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Endpoint URLs, spelled out rather than imported so the module does not
// drag in the Google Cloud metadata client.
const (
	authURL     = "https://accounts.google.com/o/oauth2/auth"
	tokenURL    = "https://oauth2.googleapis.com/token"
	userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// refreshBuffer is how close to expiry a token may get before a sync run
// refreshes it proactively.
const refreshBuffer = 5 * time.Minute

// ProviderName keys token records in the secrets file.
const ProviderName = "google_drive"

// OAuthConfig builds the oauth2 config from the client credentials stored
// in the secrets file.
func OAuthConfig(store *secrets.Store) (*oauth2.Config, error) {
	client, err := store.OAuthClientConfig(ProviderName)
	if err != nil {
		return nil, fmt.Errorf("gdrive: loading oauth client config: %w", err)
	}

	if client == nil || client.ClientID == "" {
		return nil, fmt.Errorf("gdrive: no oauth client configured for %s", ProviderName)
	}

	return &oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		RedirectURL:  client.RedirectURI,
		Scopes:       oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: tokenURL,
		},
	}, nil
}

// AuthCodeURL returns the consent URL for adding an account. Offline
// access with forced consent guarantees a refresh token on first grant.
func AuthCodeURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// ExchangeCode trades an authorization code for tokens and resolves the
// granting user's identity.
func ExchangeCode(ctx context.Context, conf *oauth2.Config, code string) (secrets.TokenRecord, string, string, error) {
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return secrets.TokenRecord{}, "", "", fmt.Errorf("gdrive: exchanging authorization code: %w", err)
	}

	email, name, err := fetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		return secrets.TokenRecord{}, "", "", err
	}

	rec := secrets.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		rec.ExpiresAt = &expiry
	}

	return rec, email, name, nil
}

type userInfoResponse struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func fetchUserInfo(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("gdrive: creating userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("gdrive: fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("gdrive: userinfo returned HTTP %d: %s", resp.StatusCode, body)
	}

	var ui userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return "", "", fmt.Errorf("gdrive: decoding userinfo: %w", err)
	}

	name := ui.Name
	if name == "" {
		name = ui.Email
	}

	return ui.Email, name, nil
}

// TokenManager bridges the secrets file and oauth2: it serves bearer
// tokens to the API client and refreshes them when expiry is near,
// persisting every refresh so a new refresh token is never lost.
type TokenManager struct {
	store  *secrets.Store
	conf   *oauth2.Config
	key    string
	logger *slog.Logger

	nowFunc func() time.Time

	mu      sync.Mutex
	current *secrets.TokenRecord
}

// NewTokenManager creates a token manager for one account's credentials.
func NewTokenManager(store *secrets.Store, conf *oauth2.Config, email string, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenManager{
		store:   store,
		conf:    conf,
		key:     secrets.Key(ProviderName, email),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Token implements TokenSource. It serves the cached access token; call
// RefreshIfNeeded before a run to guarantee freshness.
func (m *TokenManager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return "", err
	}

	return m.current.AccessToken, nil
}

// RefreshIfNeeded implements Refresher. Within refreshBuffer of expiry the
// token is refreshed and the new record written back to the secrets file.
func (m *TokenManager) RefreshIfNeeded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(); err != nil {
		return err
	}

	rec := m.current
	if rec.ExpiresAt != nil && rec.ExpiresAt.After(m.nowFunc().Add(refreshBuffer)) {
		return nil
	}

	if rec.RefreshToken == "" {
		return fmt.Errorf("gdrive: %s: no refresh token available: %w", m.key, provider.ErrUnauthorized)
	}

	tok := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
	}
	if rec.ExpiresAt != nil {
		tok.Expiry = *rec.ExpiresAt
	} else {
		// Unknown expiry: force the token source to refresh.
		tok.Expiry = m.nowFunc().Add(-time.Minute)
	}

	fresh, err := m.conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return fmt.Errorf("gdrive: refreshing token for %s: %w (%w)", m.key, err, provider.ErrUnauthorized)
	}

	updated := secrets.TokenRecord{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
	}
	if updated.RefreshToken == "" {
		// Google omits the refresh token on refresh responses.
		updated.RefreshToken = rec.RefreshToken
	}

	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry.UTC()
		updated.ExpiresAt = &expiry
	}

	if err := m.store.SetTokens(m.key, updated); err != nil {
		return fmt.Errorf("gdrive: persisting refreshed token: %w", err)
	}

	m.current = &updated
	m.logger.Info("refreshed access token", slog.String("account", m.key))

	return nil
}

func (m *TokenManager) loadLocked() error {
	if m.current != nil {
		return nil
	}

	rec, err := m.store.GetTokens(m.key)
	if err != nil {
		return fmt.Errorf("gdrive: loading tokens: %w", err)
	}

	if rec == nil {
		return fmt.Errorf("gdrive: no tokens stored for %s: %w", m.key, provider.ErrUnauthorized)
	}

	m.current = rec

	return nil
}
