package calstore

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-webdav"
	"golang.org/x/oauth2"
)

// StaticProvider always returns the same Store.
type StaticProvider struct {
	store Store
}

// NewStaticProvider wraps an existing Store.
func NewStaticProvider(s Store) *StaticProvider {
	return &StaticProvider{store: s}
}

func (p *StaticProvider) Store(ctx context.Context) (Store, error) {
	return p.store, nil
}

// BasicAuthProvider builds a CalDAVStore authenticated with a username and password.
type BasicAuthProvider struct {
	baseURL  string
	username string
	password string
	opts     CalDAVOptions

	mu    sync.Mutex
	store *CalDAVStore
}

// NewBasicAuthProvider creates a provider for baseURL.
func NewBasicAuthProvider(baseURL, username, password string, opts CalDAVOptions) *BasicAuthProvider {
	return &BasicAuthProvider{
		baseURL:  baseURL,
		username: username,
		password: password,
		opts:     opts,
	}
}

func (p *BasicAuthProvider) Store(ctx context.Context) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, nil
	}

	httpClient := webdav.HTTPClientWithBasicAuth(NewHTTPClient(nil), p.username, p.password)
	s, err := NewCalDAVStore(p.baseURL, httpClient, p.opts)
	if err != nil {
		return nil, err
	}
	p.store = s
	return s, nil
}

// OAuthProvider builds a CalDAVStore whose requests carry an OAuth2 bearer
// token. The token is refreshed on demand and by Refresh.
type OAuthProvider struct {
	baseURL string
	config  *oauth2.Config
	opts    CalDAVOptions

	mu     sync.Mutex
	source oauth2.TokenSource
	token  *oauth2.Token
	store  *CalDAVStore
}

// NewOAuthProvider creates a provider from a refresh token.
func NewOAuthProvider(baseURL string, config *oauth2.Config, refreshToken string, opts CalDAVOptions) *OAuthProvider {
	token := &oauth2.Token{RefreshToken: refreshToken}
	return &OAuthProvider{
		baseURL: baseURL,
		config:  config,
		opts:    opts,
		token:   token,
		source:  config.TokenSource(context.Background(), token),
	}
}

func (p *OAuthProvider) Store(ctx context.Context) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, nil
	}

	base := NewHTTPClient(nil)
	httpClient := &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: tokenSourceFunc(p.currentToken),
			Base:   base.Transport,
		},
	}
	s, err := NewCalDAVStore(p.baseURL, httpClient, p.opts)
	if err != nil {
		return nil, err
	}
	p.store = s
	return s, nil
}

// Refresh obtains a new access token ahead of expiry.
func (p *OAuthProvider) Refresh(ctx context.Context) error {
	if p.config == nil {
		return nil
	}

	p.mu.Lock()
	refreshToken := p.token.RefreshToken
	p.mu.Unlock()

	fresh, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return fmt.Errorf("%w: token refresh: %w", ErrAuthFailed, err)
	}

	p.mu.Lock()
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	p.token = fresh
	p.source = p.config.TokenSource(context.Background(), fresh)
	p.mu.Unlock()

	log.Printf("Refreshed calendar access token, expires %s", fresh.Expiry.Format(time.RFC3339))
	return nil
}

// Expiry returns when the current access token expires.
func (p *OAuthProvider) Expiry() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token.Expiry
}

func (p *OAuthProvider) currentToken() (*oauth2.Token, error) {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return token, nil
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }

// NewBearerTokenProvider builds a provider whose requests carry a fixed
// bearer token, for servers that issue long-lived app tokens.
func NewBearerTokenProvider(baseURL, accessToken string, opts CalDAVOptions) *OAuthProvider {
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	return &OAuthProvider{
		baseURL: baseURL,
		opts:    opts,
		token:   token,
		source:  oauth2.ReuseTokenSource(token, oauth2.StaticTokenSource(token)),
	}
}
