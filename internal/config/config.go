package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ConnectorKind selects how sessions reach the gateway.
type ConnectorKind string

const (
	ConnectorWebSocket ConnectorKind = "websocket"
	ConnectorLoopback  ConnectorKind = "loopback"
)

// StoreKind selects where finished reports are persisted.
type StoreKind string

const (
	StoreNone  StoreKind = "none"
	StoreBolt  StoreKind = "bolt"
	StoreRedis StoreKind = "redis"
)

// AuthType selects how handshake credentials are obtained.
type AuthType string

const (
	AuthTypeStatic                  AuthType = "static"
	AuthTypeOAuth2ClientCredentials AuthType = "oauth2_client_credentials"
	AuthTypeOAuth2ResourceOwner     AuthType = "oauth2_resource_owner"
)

// Config is the CLI configuration. Plan documents carry the ramp profile;
// everything here is about where and how to run it.
type Config struct {
	PlanFile   string            `mapstructure:"plan"`
	TargetURL  string            `mapstructure:"target"`
	Connector  ConnectorKind     `mapstructure:"connector"`
	Headers    map[string]string `mapstructure:"headers"`
	ConfigFile string            `mapstructure:"-"`

	// Plan overrides; zero keeps the plan's value.
	Sessions    int           `mapstructure:"sessions"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DrainPeriod time.Duration `mapstructure:"drain_period"`

	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	Tick               time.Duration `mapstructure:"tick"`
	ConnectConcurrency int           `mapstructure:"connect_concurrency"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	Seed               uint64        `mapstructure:"seed"`
	Token              string        `mapstructure:"token"`

	// Instruments names a CSV or JSON file of per-order parameters.
	Instruments string `mapstructure:"instruments"`

	JSONOutput       bool          `mapstructure:"json_output"`
	HTMLOutput       string        `mapstructure:"html_output"`
	Dashboard        bool          `mapstructure:"dashboard"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	Thresholds       []string      `mapstructure:"thresholds"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Loopback  LoopbackConfig  `mapstructure:"loopback"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
}

type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	// CorrelationPath, CorrelationTag and CorrelationPattern locate the
	// correlation id in inbound frames, in that order of precedence.
	CorrelationPath    string `mapstructure:"correlation_path"`
	CorrelationTag     int    `mapstructure:"correlation_tag"`
	CorrelationPattern string `mapstructure:"correlation_pattern"`
}

// AuthConfig configures the bearer token sent in every websocket handshake.
type AuthConfig struct {
	Type                AuthType      `mapstructure:"type"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	Scopes              []string      `mapstructure:"scopes"`
	StaticToken         string        `mapstructure:"static_token"`
	RefreshBeforeExpiry time.Duration `mapstructure:"refresh_before_expiry"`
}

type LoopbackConfig struct {
	Latency        time.Duration `mapstructure:"latency"`
	Jitter         time.Duration `mapstructure:"jitter"`
	DropRatio      float64       `mapstructure:"drop_ratio"`
	DuplicateRatio float64       `mapstructure:"duplicate_ratio"`
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Endpoint           string  `mapstructure:"endpoint"`
	Protocol           string  `mapstructure:"protocol"` // grpc or http
	ServiceName        string  `mapstructure:"service_name"`
	SampleRate         float64 `mapstructure:"sample_rate"`
	Insecure           bool    `mapstructure:"insecure"`
	DisablePropagation bool    `mapstructure:"disable_propagation"`
}

// Enabled reports whether an OTLP endpoint is configured, directly or via
// OTEL_EXPORTER_OTLP_ENDPOINT.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != "" || os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// ShouldPropagate reports whether trace context is sent in the websocket
// handshake.
func (t TracingConfig) ShouldPropagate() bool {
	return t.Enabled() && !t.DisablePropagation
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the exporter
}

type StoreConfig struct {
	Kind  StoreKind   `mapstructure:"kind"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	TLSEnabled bool          `mapstructure:"tls"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks the configuration. Plan contents are validated separately
// when the plan is loaded.
func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.PlanFile) == "" {
		issues = append(issues, "plan is required (use --help for usage information)")
	}

	switch c.Connector {
	case ConnectorWebSocket, "":
		issues = append(issues, validateTarget(c.TargetURL)...)
	case ConnectorLoopback:
	default:
		issues = append(issues, fmt.Sprintf("connector must be 'websocket' or 'loopback', got %q", c.Connector))
	}

	if c.Sessions < 0 {
		issues = append(issues, "sessions must be >= 0")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"timeout", c.Timeout},
		{"drain_period", c.DrainPeriod},
		{"sweep_interval", c.SweepInterval},
		{"tick", c.Tick},
		{"connect_timeout", c.ConnectTimeout},
		{"progress_interval", c.ProgressInterval},
	}
	for _, f := range durations {
		if f.d < 0 {
			issues = append(issues, fmt.Sprintf("%s must be >= 0", f.name))
		}
	}
	if c.ConnectConcurrency < 0 {
		issues = append(issues, "connect_concurrency must be >= 0")
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output are mutually exclusive")
	}

	issues = append(issues, validateWebSocket(c.WebSocket)...)
	issues = append(issues, validateAuth(c.Auth)...)
	issues = append(issues, validateLoopback(c.Loopback)...)
	issues = append(issues, validateTracing(c.Tracing)...)
	issues = append(issues, validateStore(c.Store)...)

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console", "text":
	default:
		issues = append(issues, fmt.Sprintf("log: format must be 'json' or 'console', got %q", c.Log.Format))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateTarget(target string) []string {
	target = strings.TrimSpace(target)
	if target == "" {
		return []string{"target is required for the websocket connector"}
	}
	u, err := url.Parse(target)
	if err != nil {
		return []string{fmt.Sprintf("target: %v", err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return []string{fmt.Sprintf("target: scheme must be ws or wss, got %q", u.Scheme)}
	}
	return nil
}

func validateWebSocket(ws WebSocketConfig) []string {
	var issues []string
	if ws.HandshakeTimeout < 0 {
		issues = append(issues, "websocket: handshake_timeout must be >= 0")
	}
	if ws.WriteTimeout < 0 {
		issues = append(issues, "websocket: write_timeout must be >= 0")
	}
	if ws.MaxMessageSize < 0 {
		issues = append(issues, "websocket: max_message_size must be >= 0")
	}
	if ws.CorrelationTag < 0 {
		issues = append(issues, "websocket: correlation_tag must be > 0")
	}
	return issues
}

func validateAuth(a AuthConfig) []string {
	var issues []string
	require := func(val, field string) {
		if strings.TrimSpace(val) == "" {
			issues = append(issues, fmt.Sprintf("auth: %s is required for %s", field, a.Type))
		}
	}
	switch a.Type {
	case "":
		return nil
	case AuthTypeStatic:
		require(a.StaticToken, "static_token")
	case AuthTypeOAuth2ClientCredentials:
		require(a.TokenURL, "token_url")
		require(a.ClientID, "client_id")
		require(a.ClientSecret, "client_secret")
	case AuthTypeOAuth2ResourceOwner:
		require(a.TokenURL, "token_url")
		require(a.ClientID, "client_id")
		require(a.ClientSecret, "client_secret")
		require(a.Username, "username")
		require(a.Password, "password")
	default:
		return []string{fmt.Sprintf("auth: unsupported type %q", a.Type)}
	}
	if a.RefreshBeforeExpiry < 0 {
		issues = append(issues, "auth: refresh_before_expiry must be >= 0")
	}
	return issues
}

func validateLoopback(lb LoopbackConfig) []string {
	var issues []string
	if lb.Latency < 0 || lb.Jitter < 0 {
		issues = append(issues, "loopback: latency and jitter must be >= 0")
	}
	if lb.DropRatio < 0 || lb.DropRatio > 1 {
		issues = append(issues, "loopback: drop_ratio must be between 0 and 1")
	}
	if lb.DuplicateRatio < 0 || lb.DuplicateRatio > 1 {
		issues = append(issues, "loopback: duplicate_ratio must be between 0 and 1")
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", t.Protocol))
	}
	if t.SampleRate < 0 || t.SampleRate > 1 {
		issues = append(issues, "tracing: sample_rate must be between 0.0 and 1.0")
	}
	return issues
}

func validateStore(s StoreConfig) []string {
	switch s.Kind {
	case "", StoreNone:
		return nil
	case StoreBolt:
		if strings.TrimSpace(s.Path) == "" {
			return []string{"store: path is required for the bolt store"}
		}
	case StoreRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return []string{"store: redis.addr is required for the redis store"}
		}
		if s.Redis.TTL < 0 {
			return []string{"store: redis.ttl must be >= 0"}
		}
	default:
		return []string{fmt.Sprintf("store: kind must be 'none', 'bolt' or 'redis', got %q", s.Kind)}
	}
	return nil
}
