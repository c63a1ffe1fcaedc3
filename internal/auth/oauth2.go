package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Grant is an OAuth2 grant type.
type Grant string

const (
	GrantClientCredentials Grant = "client_credentials"
	GrantPassword          Grant = "password"
)

const defaultTokenTimeout = 30 * time.Second

// OAuth2Config configures an OAuth2 token provider.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Username and Password are only sent for the password grant.
	Username string
	Password string
	Scopes   []string
	// RefreshBeforeExpiry renews the token this long before it expires.
	RefreshBeforeExpiry time.Duration
	HTTPClient          *http.Client
}

// OAuth2 fetches and caches access tokens from an OAuth2 token endpoint.
// Concurrent callers share one in-flight fetch.
type OAuth2 struct {
	grant  Grant
	cfg    OAuth2Config
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// NewOAuth2 returns a provider for grant.
func NewOAuth2(grant Grant, cfg OAuth2Config) (*OAuth2, error) {
	var missing []string
	if strings.TrimSpace(cfg.TokenURL) == "" {
		missing = append(missing, "token_url")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	switch grant {
	case GrantClientCredentials:
	case GrantPassword:
		if strings.TrimSpace(cfg.Username) == "" {
			missing = append(missing, "username")
		}
		if cfg.Password == "" {
			missing = append(missing, "password")
		}
	default:
		return nil, fmt.Errorf("auth: unsupported grant %q", grant)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("auth: %s required for %s grant", strings.Join(missing, ", "), grant)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTokenTimeout}
	}
	return &OAuth2{grant: grant, cfg: cfg, client: client, now: time.Now}, nil
}

// Token returns the cached token, fetching a new one when it expired.
func (p *OAuth2) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}
	v, err, _ := p.group.Do("token", func() (any, error) {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		tok, expiresIn, err := p.fetch(ctx)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.token = tok
		p.expiry = p.now().Add(time.Duration(expiresIn)*time.Second - p.cfg.RefreshBeforeExpiry)
		p.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *OAuth2) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.now().Before(p.expiry) {
		return p.token, true
	}
	return "", false
}

func (p *OAuth2) fetch(ctx context.Context) (string, int, error) {
	data := url.Values{}
	data.Set("grant_type", string(p.grant))
	if p.grant == GrantPassword {
		data.Set("username", p.cfg.Username)
		data.Set("password", p.cfg.Password)
	}
	if len(p.cfg.Scopes) > 0 {
		data.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("no access token in response")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// Apply sets the Authorization header to the current token.
func (p *OAuth2) Apply(ctx context.Context, h http.Header) error {
	tok, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	setBearer(h, tok)
	return nil
}

// Close releases idle token endpoint connections.
func (p *OAuth2) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
