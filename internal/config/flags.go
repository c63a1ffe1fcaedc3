package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gatewayprobe",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

func configureFlags(flags *pflag.FlagSet) {
	flags.StringP("plan", "p", "", "Path to the probe plan document (JSON or YAML)")
	flags.String("target", "", "Gateway websocket URL (ws:// or wss://)")
	flags.String("connector", string(ConnectorWebSocket), "Connector: 'websocket' or 'loopback'")
	flags.StringSlice("header", nil, "Handshake header in key=value form (repeatable)")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// Plan overrides
	flags.IntP("sessions", "s", 0, "Override the plan's session count")
	flags.Duration("timeout", 0, "Override the plan's response timeout")
	flags.Duration("drain-period", 0, "Max time to wait for outstanding probes after the last step")

	// Engine tuning
	flags.Duration("sweep-interval", 0, "Interval of the correlation timeout sweep")
	flags.Duration("tick", 0, "Scheduler tick for step transitions")
	flags.Int("connect-concurrency", 0, "Max sessions connecting at once (0 means all)")
	flags.Duration("connect-timeout", 0, "Per-session connect timeout")
	flags.Uint64("seed", 0, "Seed for the message mix and id generation (0 means random)")
	flags.String("token", "", "Capability token required to pause or stop the run (generated when empty)")
	flags.String("instruments", "", "CSV or JSON file of order parameters (symbol, side, qty, price, account)")

	// Output
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.String("html-output", "", "Write an HTML report to the specified file path")
	flags.Bool("dashboard", false, "Show a live terminal dashboard of the run")
	flags.Duration("progress-interval", defaultProgressInterval, "Interval between progress lines (0 disables)")
	flags.StringSlice("threshold", nil, "Pass/fail threshold (repeatable, e.g. 'latency:p99 < 50')")

	// WebSocket
	flags.Duration("ws-handshake-timeout", 0, "WebSocket handshake timeout")
	flags.Duration("ws-write-timeout", 0, "WebSocket write timeout")
	flags.Int64("ws-max-message-size", 0, "Max inbound frame size in bytes (0 means unlimited)")
	flags.String("correlation-path", "", "gjson path of the correlation id in JSON responses")
	flags.Int("correlation-tag", 0, "FIX tag carrying the correlation id in raw tag=value responses (e.g. 11)")
	flags.String("correlation-pattern", "", "Regular expression capturing the correlation id in raw responses")

	// Handshake auth; secrets come from the config file or environment
	flags.String("auth-type", "", "Handshake auth: 'static', 'oauth2_client_credentials' or 'oauth2_resource_owner'")
	flags.String("auth-token-url", "", "OAuth2 token endpoint")
	flags.String("auth-client-id", "", "OAuth2 client id")
	flags.String("auth-username", "", "OAuth2 resource owner username")
	flags.StringSlice("auth-scopes", nil, "OAuth2 scopes (repeatable)")

	// Loopback
	flags.Duration("loopback-latency", 0, "Simulated gateway latency")
	flags.Duration("loopback-jitter", 0, "Simulated latency jitter")
	flags.Float64("loopback-drop-ratio", 0, "Fraction of probes the simulated gateway never answers")
	flags.Float64("loopback-duplicate-ratio", 0, "Fraction of probes the simulated gateway answers twice")

	// Tracing
	flags.String("tracing-endpoint", "", "OTLP endpoint for run spans")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.Float64("tracing-sample-rate", 1, "Trace sample rate between 0 and 1")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")

	// Metrics and storage
	flags.String("metrics-listen", "", "Address to serve Prometheus metrics on (empty disables)")
	flags.String("store", string(StoreNone), "Report store: 'none', 'bolt' or 'redis'")
	flags.String("store-path", "", "Path of the bolt report database")
	flags.String("redis-addr", "", "Redis address for the report store")

	// Logging
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "console", "Log format: 'console' or 'json'")
}

func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	strs := []struct {
		name string
		set  func(string)
	}{
		{"plan", func(v string) { cfg.PlanFile = v }},
		{"target", func(v string) { cfg.TargetURL = v }},
		{"connector", func(v string) { cfg.Connector = ConnectorKind(v) }},
		{"token", func(v string) { cfg.Token = v }},
		{"html-output", func(v string) { cfg.HTMLOutput = v }},
		{"instruments", func(v string) { cfg.Instruments = v }},
		{"correlation-path", func(v string) { cfg.WebSocket.CorrelationPath = v }},
		{"auth-type", func(v string) { cfg.Auth.Type = AuthType(v) }},
		{"auth-token-url", func(v string) { cfg.Auth.TokenURL = v }},
		{"auth-client-id", func(v string) { cfg.Auth.ClientID = v }},
		{"auth-username", func(v string) { cfg.Auth.Username = v }},
		{"correlation-pattern", func(v string) { cfg.WebSocket.CorrelationPattern = v }},
		{"tracing-endpoint", func(v string) { cfg.Tracing.Endpoint = v }},
		{"tracing-protocol", func(v string) { cfg.Tracing.Protocol = strings.ToLower(v) }},
		{"metrics-listen", func(v string) { cfg.Metrics.Listen = v }},
		{"store", func(v string) { cfg.Store.Kind = StoreKind(v) }},
		{"store-path", func(v string) { cfg.Store.Path = v }},
		{"redis-addr", func(v string) { cfg.Store.Redis.Addr = v }},
		{"log-level", func(v string) { cfg.Log.Level = v }},
		{"log-format", func(v string) { cfg.Log.Format = v }},
	}
	for _, f := range strs {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetString(f.name)
		if err != nil {
			return err
		}
		f.set(strings.TrimSpace(val))
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"timeout", &cfg.Timeout},
		{"drain-period", &cfg.DrainPeriod},
		{"sweep-interval", &cfg.SweepInterval},
		{"tick", &cfg.Tick},
		{"connect-timeout", &cfg.ConnectTimeout},
		{"progress-interval", &cfg.ProgressInterval},
		{"ws-handshake-timeout", &cfg.WebSocket.HandshakeTimeout},
		{"ws-write-timeout", &cfg.WebSocket.WriteTimeout},
		{"loopback-latency", &cfg.Loopback.Latency},
		{"loopback-jitter", &cfg.Loopback.Jitter},
	}
	for _, f := range durations {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetDuration(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"loopback-drop-ratio", &cfg.Loopback.DropRatio},
		{"loopback-duplicate-ratio", &cfg.Loopback.DuplicateRatio},
		{"tracing-sample-rate", &cfg.Tracing.SampleRate},
	}
	for _, f := range floats {
		if !fs.Changed(f.name) {
			continue
		}
		val, err := fs.GetFloat64(f.name)
		if err != nil {
			return err
		}
		*f.dst = val
	}

	if fs.Changed("sessions") {
		val, err := fs.GetInt("sessions")
		if err != nil {
			return err
		}
		cfg.Sessions = val
	}
	if fs.Changed("connect-concurrency") {
		val, err := fs.GetInt("connect-concurrency")
		if err != nil {
			return err
		}
		cfg.ConnectConcurrency = val
	}
	if fs.Changed("correlation-tag") {
		val, err := fs.GetInt("correlation-tag")
		if err != nil {
			return err
		}
		cfg.WebSocket.CorrelationTag = val
	}
	if fs.Changed("seed") {
		val, err := fs.GetUint64("seed")
		if err != nil {
			return err
		}
		cfg.Seed = val
	}
	if fs.Changed("ws-max-message-size") {
		val, err := fs.GetInt64("ws-max-message-size")
		if err != nil {
			return err
		}
		cfg.WebSocket.MaxMessageSize = val
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("tracing-insecure") {
		val, err := fs.GetBool("tracing-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("auth-scopes") {
		val, err := fs.GetStringSlice("auth-scopes")
		if err != nil {
			return err
		}
		cfg.Auth.Scopes = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}

	vals, err := fs.GetStringSlice("header")
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Headers[key] = strings.TrimSpace(parts[1])
		}
	}
	return nil
}
