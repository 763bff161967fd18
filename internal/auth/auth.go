package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/calendar/v3"
)

// Scopes requested for the service identity. The engine never writes to the provider.
var Scopes = []string{calendar.CalendarReadonlyScope}

// ServiceAccount is the single service identity used to read calendars.
type ServiceAccount struct {
	Email      string
	PrivateKey string
	// Subject is the user to impersonate through domain-wide delegation (optional).
	Subject string
}

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// FileTokenStore is a file-based implementation of token storage.
type FileTokenStore struct {
	Path string
}

// NewFileTokenStore creates a new FileTokenStore with the given path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{Path: path}
}

// SaveToken saves an OAuth token to the file at store.Path.
func (store *FileTokenStore) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := os.WriteFile(store.Path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	return nil
}

// LoadToken loads an OAuth token from the file at store.Path.
// Returns nil, nil if the file does not exist (no error).
func (store *FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(store.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// cachingTokenSource wraps an oauth2.TokenSource and saves every newly minted token.
// Calendar sources are fetched concurrently, so Token is guarded.
type cachingTokenSource struct {
	mu         sync.Mutex
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
	logger     zerolog.Logger
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (c *cachingTokenSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := c.source.Token()
	if err != nil {
		return nil, err
	}

	if c.lastToken == nil || c.lastToken.AccessToken != token.AccessToken {
		// A failed save only costs a token exchange on the next start.
		if err := c.tokenStore.SaveToken(token); err != nil {
			c.logger.Warn().Err(err).Msg("failed to cache access token")
		}
		c.lastToken = token
	}

	return token, nil
}

// TokenSource returns a token source for the service account. When store is
// non-nil a still-valid cached token is reused and fresh tokens are written back;
// a failed write is logged to logger.
func TokenSource(ctx context.Context, account ServiceAccount, store TokenStore, logger zerolog.Logger) (oauth2.TokenSource, error) {
	if account.Email == "" || account.PrivateKey == "" {
		return nil, errors.New("service account email and private key are required")
	}

	conf := &jwt.Config{
		Email:      account.Email,
		PrivateKey: []byte(account.PrivateKey),
		Scopes:     Scopes,
		TokenURL:   google.JWTTokenURL,
		Subject:    account.Subject,
	}
	source := conf.TokenSource(ctx)

	if store == nil {
		return source, nil
	}

	cached, err := store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load cached token: %w", err)
	}

	return &cachingTokenSource{
		source:     oauth2.ReuseTokenSource(cached, source),
		tokenStore: store,
		lastToken:  cached,
		logger:     logger,
	}, nil
}

// NewServiceAccountClient returns an authenticated HTTP client for the service
// account. timeout bounds every single request made through the client.
func NewServiceAccountClient(ctx context.Context, account ServiceAccount, store TokenStore, timeout time.Duration, logger zerolog.Logger) (*http.Client, error) {
	source, err := TokenSource(ctx, account, store, logger)
	if err != nil {
		return nil, err
	}

	client := oauth2.NewClient(ctx, source)
	client.Timeout = timeout
	return client, nil
}
