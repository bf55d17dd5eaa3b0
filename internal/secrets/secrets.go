// Package secrets stores OAuth tokens outside the catalog in a JSON file
// with owner-only permissions. Accounts are keyed "<provider>:<email>"; the
// reserved "oauth_clients" key holds per-provider OAuth client credentials.
// Writes are atomic (temp file + chmod 0600 + rename), so a crash can never
// leave a partial or world-readable secrets file behind.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FilePerms restricts the secrets file to owner read/write.
const FilePerms = 0o600

// DirPerms is used when creating the parent directory.
const DirPerms = 0o700

// oauthClientsKey is reserved in the secrets file and never a valid account key.
const oauthClientsKey = "oauth_clients"

// ErrMalformed indicates the secrets file could not be parsed.
var ErrMalformed = errors.New("secrets: malformed secrets file")

// TokenRecord is the stored token set for one account. ExpiresAt is
// serialized as ISO-8601 or null.
type TokenRecord struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// OAuthClient is the OAuth application credential set for one provider.
type OAuthClient struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

// Store reads and writes the secrets file. Safe for concurrent use within
// one process; cross-process safety comes from the atomic rename.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore returns a Store for the secrets file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{path: path, logger: logger}
}

// Key builds the account key used in the secrets file.
func Key(provider, email string) string {
	return provider + ":" + email
}

// fileFormat mirrors the on-disk JSON: account keys map to token records,
// oauth_clients maps provider names to client credentials.
type fileFormat struct {
	accounts map[string]TokenRecord
	clients  map[string]OAuthClient
}

// GetTokens returns the token record for an account key, or nil if absent.
func (s *Store) GetTokens(key string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}

	rec, ok := data.accounts[key]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

// SetTokens stores the token record for an account key.
func (s *Store) SetTokens(key string, rec TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}

	data.accounts[key] = rec

	if err := s.save(data); err != nil {
		return err
	}

	s.logger.Info("saved tokens", slog.String("account", key))

	return nil
}

// DeleteTokens removes the token record for an account key. Reports whether
// a record existed.
func (s *Store) DeleteTokens(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return false, err
	}

	if _, ok := data.accounts[key]; !ok {
		return false, nil
	}

	delete(data.accounts, key)

	if err := s.save(data); err != nil {
		return false, err
	}

	s.logger.Info("deleted tokens", slog.String("account", key))

	return true, nil
}

// HasTokens reports whether a token record exists for an account key.
func (s *Store) HasTokens(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return false, err
	}

	_, ok := data.accounts[key]

	return ok, nil
}

// ListAccounts returns all account keys, sorted. The oauth_clients key is
// never included.
func (s *Store) ListAccounts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data.accounts))
	for k := range data.accounts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys, nil
}

// OAuthClientConfig returns the OAuth client credentials for a provider,
// or nil if not configured.
func (s *Store) OAuthClientConfig(provider string) (*OAuthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}

	c, ok := data.clients[provider]
	if !ok {
		return nil, nil
	}

	return &c, nil
}

// SetOAuthClientConfig stores OAuth client credentials for a provider.
func (s *Store) SetOAuthClientConfig(provider string, c OAuthClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}

	data.clients[provider] = c

	if err := s.save(data); err != nil {
		return err
	}

	s.logger.Info("saved oauth client config", slog.String("provider", provider))

	return nil
}

// load reads and parses the secrets file. A missing file is an empty store.
func (s *Store) load() (*fileFormat, error) {
	out := &fileFormat{
		accounts: make(map[string]TokenRecord),
		clients:  make(map[string]OAuthClient),
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}

	if err != nil {
		return nil, fmt.Errorf("secrets: reading %s: %w", s.path, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, s.path, err)
	}

	for k, v := range entries {
		if k == oauthClientsKey {
			if err := json.Unmarshal(v, &out.clients); err != nil {
				return nil, fmt.Errorf("%w: oauth_clients: %v", ErrMalformed, err)
			}

			continue
		}

		var rec TokenRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("%w: account %s: %v", ErrMalformed, k, err)
		}

		out.accounts[k] = rec
	}

	return out, nil
}

// save writes the secrets file atomically with 0600 permissions.
func (s *Store) save(data *fileFormat) error {
	entries := make(map[string]any, len(data.accounts)+1)
	for k, v := range data.accounts {
		entries[k] = v
	}

	if len(data.clients) > 0 {
		entries[oauthClientsKey] = data.clients
	}

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("secrets: creating directory %s: %w", dir, err)
	}

	// Temp file in the same directory guarantees the rename stays on one
	// filesystem and is therefore atomic.
	tmp, err := os.CreateTemp(dir, ".secrets-*.tmp")
	if err != nil {
		return fmt.Errorf("secrets: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: setting permissions: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secrets: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("secrets: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("secrets: renaming: %w", err)
	}

	success = true

	return nil
}
