// Package auth keeps a fresh OAuth2 access token for the remote backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"driveup/internal/config"
	"driveup/internal/credentials"
	"driveup/internal/mirror"
)

// constructionAttempts is how many refreshes NewProvider tries before giving up.
const constructionAttempts = 3

// TokenSaver persists tokens after a successful refresh.
type TokenSaver interface {
	Save(c *credentials.Credentials) error
}

// Provider holds the current access token and renews it with the refresh
// token. It is safe for concurrent use.
type Provider struct {
	cfg        *oauth2.Config
	source     credentials.Store
	saver      TokenSaver
	httpClient *http.Client
	logger     mirror.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

var _ mirror.Authenticator = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used for the token exchange, e.g. one
// configured with a proxy.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l mirror.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithSaver writes refreshed tokens back through s.
func WithSaver(s TokenSaver) Option {
	return func(p *Provider) { p.saver = s }
}

// NewProvider seeds a Provider from source and refreshes the access token.
// Construction fails when every refresh attempt fails.
func NewProvider(ctx context.Context, cfg config.AuthConfig, source credentials.Store, opts ...Option) (*Provider, error) {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = config.DefaultTokenURL
	}

	p := &Provider{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		source: source,
		logger: mirror.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	for attempt := 1; attempt <= constructionAttempts; attempt++ {
		if err = p.Refresh(ctx); err == nil {
			return p, nil
		}
		if errors.Is(err, credentials.ErrNotConfigured) || ctx.Err() != nil {
			break
		}
		p.logger.Warn("token refresh failed", "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("obtaining access token: %w", err)
}

// Refresh exchanges the refresh token for a new access token. On failure the
// cached tokens are cleared, and the next call reloads them from the source.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil || p.token.RefreshToken == "" {
		if err := p.reseed(); err != nil {
			return err
		}
	}

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	tok, err := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.token.RefreshToken}).Token()
	if err != nil {
		p.token = nil
		return fmt.Errorf("%w: refreshing access token: %v", mirror.ErrUnauthenticated, err)
	}
	p.token = tok
	p.logger.Debug("access token refreshed", "expiry", tok.Expiry)

	if p.saver != nil {
		if err := p.saver.Save(toCredentials(tok)); err != nil {
			p.logger.Warn("failed to save refreshed token", "error", err)
		}
	}
	return nil
}

// AuthHeader returns the Authorization header value, "<token_type> <access_token>",
// or "" when no token is held.
func (p *Provider) AuthHeader() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil || p.token.AccessToken == "" {
		return ""
	}
	return p.token.Type() + " " + p.token.AccessToken
}

// reseed loads tokens from the source. Callers hold p.mu.
func (p *Provider) reseed() error {
	if p.source == nil {
		return fmt.Errorf("%w: no credential source", mirror.ErrUnauthenticated)
	}
	c, err := p.source.Load()
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token stored", mirror.ErrUnauthenticated)
	}
	p.token = &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
	return nil
}

func toCredentials(tok *oauth2.Token) *credentials.Credentials {
	return &credentials.Credentials{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
