package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestAsString(t *testing.T) {
	tests := []struct {
		input any
		want  string
	}{
		{"hello", "hello"},
		{123, "123"},
		{true, "true"},
		{nil, ""},
		{[]byte("bytes"), "bytes"},
	}

	for _, tt := range tests {
		got, err := asString(tt.input)
		if err != nil {
			t.Errorf("asString(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asString(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		input any
		want  int
	}{
		{123, 123},
		{"456", 456},
		{int64(789), 789},
		{float64(10.0), 10},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asInt(tt.input)
		if err != nil {
			t.Errorf("asInt(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asInt(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestAsUint64(t *testing.T) {
	tests := []struct {
		input   any
		want    uint64
		wantErr bool
	}{
		{42, 42, false},
		{"18446744073709551615", 18446744073709551615, false},
		{uint64(7), 7, false},
		{nil, 0, false},
		{-1, 0, true},
		{"nope", 0, true},
	}

	for _, tt := range tests {
		got, err := asUint64(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("asUint64(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("asUint64(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestAsBool(t *testing.T) {
	tests := []struct {
		input any
		want  bool
	}{
		{true, true},
		{"true", true},
		{"1", true},
		{false, false},
		{"false", false},
		{nil, false},
	}

	for _, tt := range tests {
		got, err := asBool(tt.input)
		if err != nil {
			t.Errorf("asBool(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asBool(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAsDuration(t *testing.T) {
	tests := []struct {
		input any
		want  time.Duration
	}{
		{time.Second, time.Second},
		{"1m", time.Minute},
		{10, 10 * time.Second},
		{0.25, 250 * time.Millisecond},
		{nil, 0},
	}

	for _, tt := range tests {
		got, err := asDuration(tt.input)
		if err != nil {
			t.Errorf("asDuration(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asDuration(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestApplyConfigSettings(t *testing.T) {
	cfg := &Config{}
	settings := map[string]any{
		"target":   "ws://gw:8080",
		"sessions": 10,
		"timeout":  "5s",
		"headers": map[string]any{
			"x-tenant": "desk-7",
		},
		"websocket": map[string]any{
			"correlation_pattern": `"11":"([^"]+)"`,
			"max_message_size":    65536,
		},
		"store": map[string]any{
			"kind": "bolt",
			"path": "/var/lib/gatewayprobe/reports.db",
		},
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		t.Fatalf("applyConfigSettings() error = %v", err)
	}

	if cfg.TargetURL != "ws://gw:8080" {
		t.Errorf("TargetURL = %q, want ws://gw:8080", cfg.TargetURL)
	}
	if cfg.Sessions != 10 {
		t.Errorf("Sessions = %d, want 10", cfg.Sessions)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Timeout)
	}
	if cfg.Headers["X-Tenant"] != "desk-7" {
		t.Errorf("Headers[X-Tenant] = %q, want desk-7", cfg.Headers["X-Tenant"])
	}
	if cfg.WebSocket.CorrelationPattern != `"11":"([^"]+)"` {
		t.Errorf("CorrelationPattern = %q", cfg.WebSocket.CorrelationPattern)
	}
	if cfg.WebSocket.MaxMessageSize != 65536 {
		t.Errorf("MaxMessageSize = %d, want 65536", cfg.WebSocket.MaxMessageSize)
	}
	if cfg.Store.Kind != StoreBolt || cfg.Store.Path != "/var/lib/gatewayprobe/reports.db" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
}

func TestApplyConfigSettingsReportsSection(t *testing.T) {
	cfg := &Config{}
	err := applyConfigSettings(cfg, map[string]any{
		"loopback": map[string]any{"latency": "soon"},
	})
	if err == nil {
		t.Fatal("expected error for invalid latency")
	}
	if got := err.Error(); !strings.HasPrefix(got, "loopback: latency") {
		t.Fatalf("error = %q, want it prefixed with the section and key", got)
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := &Config{
		Connector: ConnectorWebSocket,
		Sessions:  1,
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)

	args := []string{
		"--sessions=5",
		"--connector=loopback",
		"--loopback-drop-ratio=0.25",
		"--seed=99",
		"--header=X-Test=123",
		"--threshold=latency:p95 < 20",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}

	if cfg.Sessions != 5 {
		t.Errorf("Sessions = %d, want 5", cfg.Sessions)
	}
	if cfg.Connector != ConnectorLoopback {
		t.Errorf("Connector = %q, want loopback", cfg.Connector)
	}
	if cfg.Loopback.DropRatio != 0.25 {
		t.Errorf("DropRatio = %v, want 0.25", cfg.Loopback.DropRatio)
	}
	if cfg.Seed != 99 {
		t.Errorf("Seed = %d, want 99", cfg.Seed)
	}
	if cfg.Headers["X-Test"] != "123" {
		t.Errorf("Headers[X-Test] = %q, want 123", cfg.Headers["X-Test"])
	}
	if len(cfg.Thresholds) != 1 || cfg.Thresholds[0] != "latency:p95 < 20" {
		t.Errorf("Thresholds = %v", cfg.Thresholds)
	}
}

func TestUnchangedFlagsKeepFileValues(t *testing.T) {
	cfg := &Config{Timeout: 3 * time.Second, Log: LogConfig{Format: "json"}}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Parse([]string{"--plan=p.yaml"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}

	if cfg.Timeout != 3*time.Second {
		t.Errorf("Timeout = %s, want 3s from file", cfg.Timeout)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json from file", cfg.Log.Format)
	}
	if cfg.PlanFile != "p.yaml" {
		t.Errorf("PlanFile = %q, want p.yaml", cfg.PlanFile)
	}
}

func TestBuildAuthConfig(t *testing.T) {
	var a AuthConfig
	err := buildAuthConfig(&a, map[string]any{
		"type":                  "oauth2_client_credentials",
		"token_url":             " https://idp/token ",
		"client_id":             "probe",
		"scopes":                []any{"orders", "quotes"},
		"refresh_before_expiry": "30s",
	})
	if err != nil {
		t.Fatalf("buildAuthConfig() error = %v", err)
	}
	if a.Type != AuthTypeOAuth2ClientCredentials || a.TokenURL != "https://idp/token" || a.ClientID != "probe" {
		t.Fatalf("unexpected auth config %+v", a)
	}
	if len(a.Scopes) != 2 || a.RefreshBeforeExpiry != 30*time.Second {
		t.Fatalf("unexpected scopes or refresh window %+v", a)
	}

	if err := buildAuthConfig(&a, map[string]any{"refresh_before_expiry": "soon"}); err == nil ||
		!strings.HasPrefix(err.Error(), "refresh_before_expiry") {
		t.Fatalf("expected refresh_before_expiry error, got %v", err)
	}
}

func TestApplyAuthEnv(t *testing.T) {
	t.Setenv(envAuthClientSecret, "from-env")
	t.Setenv(envAuthPassword, "pw-env")
	t.Setenv(envAuthStaticToken, "")

	a := AuthConfig{Password: "pw-file"}
	applyAuthEnv(&a)
	if a.ClientSecret != "from-env" {
		t.Errorf("ClientSecret = %q, want value from environment", a.ClientSecret)
	}
	if a.Password != "pw-file" {
		t.Errorf("Password = %q, configured value must win", a.Password)
	}
	if a.StaticToken != "" {
		t.Errorf("StaticToken = %q, want empty", a.StaticToken)
	}
}

func TestAuthFlagOverrides(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Type: AuthTypeStatic, ClientID: "file"}}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	configureFlags(fs)
	if err := fs.Parse([]string{"--auth-type=oauth2_resource_owner", "--auth-username=trader", "--auth-scopes=orders,quotes", "--dashboard", "--instruments=orders.csv"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := applyFlagOverrides(cfg, fs); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if cfg.Auth.Type != AuthTypeOAuth2ResourceOwner || cfg.Auth.Username != "trader" || cfg.Auth.ClientID != "file" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if len(cfg.Auth.Scopes) != 2 || !cfg.Dashboard {
		t.Fatalf("scopes = %v dashboard = %v", cfg.Auth.Scopes, cfg.Dashboard)
	}
	if cfg.Instruments != "orders.csv" {
		t.Fatalf("Instruments = %q, want orders.csv", cfg.Instruments)
	}
}
