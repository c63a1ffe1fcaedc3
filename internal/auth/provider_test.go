package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockTokenServer is a test OAuth2 token endpoint that tracks requests.
type mockTokenServer struct {
	server       *httptest.Server
	requestCount int32
	response     tokenResponse
	statusCode   int
	delay        time.Duration

	mu       sync.Mutex
	lastAuth string
	lastForm map[string]string
}

func newMockTokenServer() *mockTokenServer {
	m := &mockTokenServer{
		statusCode: http.StatusOK,
		response:   tokenResponse{AccessToken: "gw-token-1", TokenType: "Bearer", ExpiresIn: 3600},
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&m.requestCount, 1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		m.lastAuth = r.Header.Get("Authorization")
		m.lastForm = map[string]string{}
		for k := range r.PostForm {
			m.lastForm[k] = r.PostForm.Get(k)
		}
		status, resp, delay := m.statusCode, m.response, m.delay
		m.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return m
}

func (m *mockTokenServer) setResponse(resp tokenResponse, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = resp
	m.statusCode = status
}

func (m *mockTokenServer) requests() int {
	return int(atomic.LoadInt32(&m.requestCount))
}

func (m *mockTokenServer) form() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

func TestStaticTokenApply(t *testing.T) {
	p := NewStaticToken("abc")
	h := http.Header{}
	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("Authorization = %q", got)
	}
	if tok, _ := p.Token(context.Background()); tok != "abc" {
		t.Fatalf("Token = %q", tok)
	}
}

func TestClientCredentialsUsesBasicAuth(t *testing.T) {
	mock := newMockTokenServer()
	defer mock.server.Close()

	p, err := NewOAuth2(GrantClientCredentials, OAuth2Config{
		TokenURL:     mock.server.URL,
		ClientID:     "probe",
		ClientSecret: "s3cret",
		Scopes:       []string{"orders", "quotes"},
	})
	if err != nil {
		t.Fatalf("NewOAuth2: %v", err)
	}
	defer p.Close()

	h := http.Header{}
	if err := p.Apply(context.Background(), h); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer gw-token-1" {
		t.Fatalf("Authorization = %q", got)
	}

	mock.mu.Lock()
	auth := mock.lastAuth
	mock.mu.Unlock()
	creds, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil || string(creds) != "probe:s3cret" {
		t.Fatalf("unexpected basic auth %q", auth)
	}
	form := mock.form()
	if form["grant_type"] != "client_credentials" || form["scope"] != "orders quotes" {
		t.Fatalf("unexpected form %v", form)
	}
	if _, ok := form["client_secret"]; ok {
		t.Fatal("client_secret must not be sent in the form body")
	}
}

func TestPasswordGrantSendsUserCredentials(t *testing.T) {
	mock := newMockTokenServer()
	defer mock.server.Close()

	p, err := NewOAuth2(GrantPassword, OAuth2Config{
		TokenURL:     mock.server.URL,
		ClientID:     "probe",
		ClientSecret: "s3cret",
		Username:     "trader",
		Password:     "pw",
	})
	if err != nil {
		t.Fatalf("NewOAuth2: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	form := mock.form()
	if form["grant_type"] != "password" || form["username"] != "trader" || form["password"] != "pw" {
		t.Fatalf("unexpected form %v", form)
	}
}

func TestTokenIsCachedUntilRefreshWindow(t *testing.T) {
	mock := newMockTokenServer()
	defer mock.server.Close()

	p, err := NewOAuth2(GrantClientCredentials, OAuth2Config{
		TokenURL:            mock.server.URL,
		ClientID:            "probe",
		ClientSecret:        "s3cret",
		RefreshBeforeExpiry: 60 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOAuth2: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := p.Token(ctx); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if mock.requests() != 1 {
		t.Fatalf("expected one token request, got %d", mock.requests())
	}

	mock.setResponse(tokenResponse{AccessToken: "gw-token-2", ExpiresIn: 3600}, http.StatusOK)
	now = now.Add(3541 * time.Second)
	tok, err := p.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "gw-token-2" || mock.requests() != 2 {
		t.Fatalf("expected a refresh inside the window, got %q after %d requests", tok, mock.requests())
	}
}

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	mock := newMockTokenServer()
	mock.delay = 50 * time.Millisecond
	defer mock.server.Close()

	p, err := NewOAuth2(GrantClientCredentials, OAuth2Config{TokenURL: mock.server.URL, ClientID: "probe", ClientSecret: "s"})
	if err != nil {
		t.Fatalf("NewOAuth2: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			if err == nil && tok != "gw-token-1" {
				err = &unexpectedToken{tok}
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if mock.requests() != 1 {
		t.Fatalf("expected one shared fetch, got %d", mock.requests())
	}
}

type unexpectedToken struct{ tok string }

func (e *unexpectedToken) Error() string { return "unexpected token " + e.tok }

func TestTokenErrors(t *testing.T) {
	tests := []struct {
		name   string
		resp   tokenResponse
		status int
		want   string
	}{
		{"http status", tokenResponse{AccessToken: "x"}, http.StatusUnauthorized, "status 401"},
		{"oauth2 error", tokenResponse{Error: "invalid_client", ErrorDesc: "bad secret"}, http.StatusOK, "invalid_client - bad secret"},
		{"empty token", tokenResponse{}, http.StatusOK, "no access token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockTokenServer()
			defer mock.server.Close()
			mock.setResponse(tt.resp, tt.status)

			p, err := NewOAuth2(GrantClientCredentials, OAuth2Config{TokenURL: mock.server.URL, ClientID: "probe", ClientSecret: "s"})
			if err != nil {
				t.Fatalf("NewOAuth2: %v", err)
			}
			h := http.Header{}
			err = p.Apply(context.Background(), h)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Apply() error = %v, want %q", err, tt.want)
			}
			if h.Get("Authorization") != "" {
				t.Fatal("no header may be set on failure")
			}
		})
	}
}

func TestNewOAuth2Validation(t *testing.T) {
	tests := []struct {
		name  string
		grant Grant
		cfg   OAuth2Config
		want  string
	}{
		{"missing endpoint", GrantClientCredentials, OAuth2Config{ClientID: "a", ClientSecret: "b"}, "token_url"},
		{"missing secret", GrantClientCredentials, OAuth2Config{TokenURL: "http://idp", ClientID: "a"}, "client_secret"},
		{"password needs user", GrantPassword, OAuth2Config{TokenURL: "http://idp", ClientID: "a", ClientSecret: "b"}, "username, password"},
		{"unknown grant", Grant("implicit"), OAuth2Config{}, "unsupported grant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOAuth2(tt.grant, tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("NewOAuth2() error = %v, want %q", err, tt.want)
			}
		})
	}
}
