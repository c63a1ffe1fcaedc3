package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

const (
	defaultProgressInterval = time.Second
	defaultServiceName      = "gatewayprobe"
	defaultRedisPrefix      = "gatewayprobe"

	envAuthClientSecret = "GATEWAYPROBE_AUTH_CLIENT_SECRET"
	envAuthPassword     = "GATEWAYPROBE_AUTH_PASSWORD"
	envAuthStaticToken  = "GATEWAYPROBE_AUTH_STATIC_TOKEN"
)

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and the optional configuration file.
// Flags override file values.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Connector:        ConnectorWebSocket,
		Headers:          map[string]string{},
		ConfigFile:       configPath,
		ProgressInterval: defaultProgressInterval,
		Tracing:          TracingConfig{Protocol: "grpc", ServiceName: defaultServiceName, SampleRate: 1},
		Store:            StoreConfig{Kind: StoreNone, Redis: RedisConfig{KeyPrefix: defaultRedisPrefix}},
		Log:              LogConfig{Level: "info", Format: "console"},
	}

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.PlanFile = strings.TrimSpace(cfg.PlanFile)
	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	cfg.Connector = ConnectorKind(strings.ToLower(string(cfg.Connector)))
	cfg.Store.Kind = StoreKind(strings.ToLower(string(cfg.Store.Kind)))
	cfg.Auth.Type = AuthType(strings.ToLower(strings.TrimSpace(string(cfg.Auth.Type))))
	applyAuthEnv(&cfg.Auth)
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]any) error {
	if len(settings) == 0 {
		return nil
	}

	strs := []struct {
		dst  *string
		keys []string
	}{
		{&cfg.PlanFile, []string{"plan", "plan_file", "plan-file"}},
		{&cfg.TargetURL, []string{"target"}},
		{&cfg.Token, []string{"token"}},
		{&cfg.HTMLOutput, []string{"html_output", "htmloutput", "html-output"}},
		{&cfg.Instruments, []string{"instruments", "instruments_file"}},
	}
	for _, s := range strs {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.keys[0], err)
			}
			*s.dst = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "connector"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("connector: %w", err)
		}
		if val != "" {
			cfg.Connector = ConnectorKind(val)
		}
	}

	if raw, ok := lookupSetting(settings, "headers"); ok {
		hdrs, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for k, v := range hdrs {
			cfg.Headers[http.CanonicalHeaderKey(k)] = v
		}
	}

	ints := []struct {
		dst  *int
		keys []string
	}{
		{&cfg.Sessions, []string{"sessions"}},
		{&cfg.ConnectConcurrency, []string{"connect_concurrency", "connect-concurrency"}},
	}
	for _, s := range ints {
		if raw, ok := lookupSetting(settings, s.keys...); ok {
			val, err := asInt(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", s.keys[0], err)
			}
			*s.dst = val
		}
	}

	durations := []struct {
		dst  *time.Duration
		keys []string
	}{
		{&cfg.Timeout, []string{"timeout"}},
		{&cfg.DrainPeriod, []string{"drain_period", "drain-period"}},
		{&cfg.SweepInterval, []string{"sweep_interval", "sweep-interval"}},
		{&cfg.Tick, []string{"tick"}},
		{&cfg.ConnectTimeout, []string{"connect_timeout", "connect-timeout"}},
		{&cfg.ProgressInterval, []string{"progress_interval", "progress-interval"}},
	}
	for _, d := range durations {
		if raw, ok := lookupSetting(settings, d.keys...); ok {
			val, err := asDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", d.keys[0], err)
			}
			*d.dst = val
		}
	}

	if raw, ok := lookupSetting(settings, "seed"); ok {
		val, err := asUint64(raw)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		cfg.Seed = val
	}

	if raw, ok := lookupSetting(settings, "json_output", "jsonoutput", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("json_output: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = val
	}

	if err := applySection(settings, "websocket", func(s map[string]any) error {
		return buildWebSocketConfig(&cfg.WebSocket, s)
	}); err != nil {
		return err
	}
	if err := applySection(settings, "auth", func(s map[string]any) error {
		return buildAuthConfig(&cfg.Auth, s)
	}); err != nil {
		return err
	}
	if err := applySection(settings, "loopback", func(s map[string]any) error {
		return buildLoopbackConfig(&cfg.Loopback, s)
	}); err != nil {
		return err
	}
	if err := applySection(settings, "tracing", func(s map[string]any) error {
		return buildTracingConfig(&cfg.Tracing, s)
	}); err != nil {
		return err
	}
	if err := applySection(settings, "metrics", func(s map[string]any) error {
		if raw, ok := lookupSetting(s, "listen"); ok {
			val, err := asString(raw)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			cfg.Metrics.Listen = strings.TrimSpace(val)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := applySection(settings, "store", func(s map[string]any) error {
		return buildStoreConfig(&cfg.Store, s)
	}); err != nil {
		return err
	}
	return applySection(settings, "log", func(s map[string]any) error {
		return buildLogConfig(&cfg.Log, s)
	})
}

func applySection(settings map[string]any, name string, build func(map[string]any) error) error {
	s, err := section(settings, name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if s == nil {
		return nil
	}
	if err := build(s); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func buildWebSocketConfig(ws *WebSocketConfig, settings map[string]any) error {
	if raw, ok := lookupSetting(settings, "handshake_timeout", "handshaketimeout"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("handshake_timeout: %w", err)
		}
		ws.HandshakeTimeout = val
	}
	if raw, ok := lookupSetting(settings, "write_timeout", "writetimeout"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("write_timeout: %w", err)
		}
		ws.WriteTimeout = val
	}
	if raw, ok := lookupSetting(settings, "max_message_size", "maxmessagesize"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_message_size: %w", err)
		}
		ws.MaxMessageSize = int64(val)
	}
	if raw, ok := lookupSetting(settings, "correlation_path", "correlationpath"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("correlation_path: %w", err)
		}
		ws.CorrelationPath = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "correlation_tag", "correlationtag"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("correlation_tag: %w", err)
		}
		ws.CorrelationTag = val
	}
	if raw, ok := lookupSetting(settings, "correlation_pattern", "correlationpattern"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("correlation_pattern: %w", err)
		}
		ws.CorrelationPattern = val
	}
	return nil
}

func buildAuthConfig(a *AuthConfig, settings map[string]any) error {
	strs := []struct {
		dst  *string
		keys []string
	}{
		{&a.TokenURL, []string{"token_url", "tokenurl"}},
		{&a.ClientID, []string{"client_id", "clientid"}},
		{&a.ClientSecret, []string{"client_secret", "clientsecret"}},
		{&a.Username, []string{"username"}},
		{&a.Password, []string{"password"}},
		{&a.StaticToken, []string{"static_token", "statictoken"}},
	}
	if raw, ok := lookupSetting(settings, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("type: %w", err)
		}
		a.Type = AuthType(val)
	}
	for _, f := range strs {
		raw, ok := lookupSetting(settings, f.keys...)
		if !ok {
			continue
		}
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.keys[0], err)
		}
		*f.dst = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "scopes"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("scopes: %w", err)
		}
		a.Scopes = val
	}
	if raw, ok := lookupSetting(settings, "refresh_before_expiry", "refreshbeforeexpiry"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("refresh_before_expiry: %w", err)
		}
		a.RefreshBeforeExpiry = val
	}
	return nil
}

// applyAuthEnv fills secrets left empty by the file and flags from the
// environment.
func applyAuthEnv(a *AuthConfig) {
	env := []struct {
		dst *string
		key string
	}{
		{&a.ClientSecret, envAuthClientSecret},
		{&a.Password, envAuthPassword},
		{&a.StaticToken, envAuthStaticToken},
	}
	for _, e := range env {
		if *e.dst == "" {
			*e.dst = os.Getenv(e.key)
		}
	}
}

func buildLoopbackConfig(lb *LoopbackConfig, settings map[string]any) error {
	if raw, ok := lookupSetting(settings, "latency"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("latency: %w", err)
		}
		lb.Latency = val
	}
	if raw, ok := lookupSetting(settings, "jitter"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("jitter: %w", err)
		}
		lb.Jitter = val
	}
	if raw, ok := lookupSetting(settings, "drop_ratio", "dropratio"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("drop_ratio: %w", err)
		}
		lb.DropRatio = val
	}
	if raw, ok := lookupSetting(settings, "duplicate_ratio", "duplicateratio"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("duplicate_ratio: %w", err)
		}
		lb.DuplicateRatio = val
	}
	return nil
}

func buildTracingConfig(t *TracingConfig, settings map[string]any) error {
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		t.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		if val != "" {
			t.Protocol = strings.ToLower(val)
		}
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		if val != "" {
			t.ServiceName = val
		}
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "disable_propagation", "disablepropagation"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("disable_propagation: %w", err)
		}
		t.DisablePropagation = val
	}
	return nil
}

func buildStoreConfig(s *StoreConfig, settings map[string]any) error {
	if raw, ok := lookupSetting(settings, "kind"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("kind: %w", err)
		}
		if val != "" {
			s.Kind = StoreKind(val)
		}
	}
	if raw, ok := lookupSetting(settings, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("path: %w", err)
		}
		s.Path = strings.TrimSpace(val)
	}
	redis, err := section(settings, "redis")
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if redis == nil {
		return nil
	}
	if raw, ok := lookupSetting(redis, "addr"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("redis.addr: %w", err)
		}
		s.Redis.Addr = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(redis, "password"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("redis.password: %w", err)
		}
		s.Redis.Password = val
	}
	if raw, ok := lookupSetting(redis, "db"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("redis.db: %w", err)
		}
		s.Redis.DB = val
	}
	if raw, ok := lookupSetting(redis, "tls"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("redis.tls: %w", err)
		}
		s.Redis.TLSEnabled = val
	}
	if raw, ok := lookupSetting(redis, "key_prefix", "keyprefix"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("redis.key_prefix: %w", err)
		}
		if val != "" {
			s.Redis.KeyPrefix = val
		}
	}
	if raw, ok := lookupSetting(redis, "ttl"); ok {
		val, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("redis.ttl: %w", err)
		}
		s.Redis.TTL = val
	}
	return nil
}

func buildLogConfig(l *LogConfig, settings map[string]any) error {
	if raw, ok := lookupSetting(settings, "level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("level: %w", err)
		}
		if val != "" {
			l.Level = val
		}
	}
	if raw, ok := lookupSetting(settings, "format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		if val != "" {
			l.Format = val
		}
	}
	return nil
}
