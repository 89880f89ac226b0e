// Package upstream talks to the upstream provider's OAuth endpoints: it
// builds authorization redirects, exchanges callback codes, refreshes
// provider tokens, and fetches the authenticated user's identity.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const defaultTimeout = 10 * time.Second

// Common provider errors.
var (
	ErrInvalidGrant        = errors.New("upstream rejected the grant")
	ErrProviderUnavailable = errors.New("upstream provider unavailable")
)

// Token is an upstream credential pair with its expiry instant.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UserInfo identifies the upstream account that authorized access.
type UserInfo struct {
	ID       string
	Username string
}

// Config holds the upstream OAuth application settings.
type Config struct {
	ClientID              string
	ClientSecret          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	Scopes                []string
	CallbackURL           string // this server's callback, registered upstream
}

// Provider is an OAuth2 client against the upstream provider.
type Provider struct {
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client
}

// NewProvider validates the configuration and builds a provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	for name, raw := range map[string]string{
		"authorization endpoint": cfg.AuthorizationEndpoint,
		"token endpoint":         cfg.TokenEndpoint,
		"userinfo endpoint":      cfg.UserInfoEndpoint,
	} {
		if raw == "" {
			return nil, fmt.Errorf("upstream %s is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid upstream %s: %w", name, err)
		}
	}

	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		userInfoURL: cfg.UserInfoEndpoint,
		client:      &http.Client{Timeout: defaultTimeout},
	}, nil
}

// AuthCodeURL builds the upstream authorization redirect carrying this
// server's callback and the given state token.
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades an upstream authorization code for an upstream token pair.
func (p *Provider) Exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := p.oauth.Exchange(p.httpContext(ctx), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, retrieveErr.ErrorDescription)
		}
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh obtains a fresh upstream token pair from a refresh token. The
// provider may rotate the refresh token; callers must persist the returned
// pair.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := p.oauth.TokenSource(p.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, retrieveErr.ErrorDescription)
		}
		return nil, fmt.Errorf("refreshing upstream token: %w", err)
	}
	out := fromOAuth2Token(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// FetchUserInfo resolves the upstream account behind an access token.
func (p *Provider) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	// Providers disagree on field names; accept the usual spellings.
	var raw struct {
		ID       string `json:"id"`
		Sub      string `json:"sub"`
		Username string `json:"username"`
		Login    string `json:"login"`
		Name     string `json:"name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing userinfo response: %w", err)
	}

	info := &UserInfo{ID: raw.ID, Username: raw.Username}
	if info.ID == "" {
		info.ID = raw.Sub
	}
	if info.Username == "" {
		info.Username = raw.Login
	}
	if info.Username == "" {
		info.Username = raw.Name
	}
	if info.ID == "" {
		return nil, fmt.Errorf("userinfo response carries no user id")
	}
	return info, nil
}

// httpContext pins our timeout-bearing HTTP client onto the oauth2 library.
func (p *Provider) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func fromOAuth2Token(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}
