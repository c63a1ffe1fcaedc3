package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/auth"
	"github.com/torosent/gatewayprobe/internal/config"
	"github.com/torosent/gatewayprobe/internal/connector"
	"github.com/torosent/gatewayprobe/internal/connector/loopback"
	"github.com/torosent/gatewayprobe/internal/connector/wsconn"
	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/dashboard"
	"github.com/torosent/gatewayprobe/internal/extractor"
	"github.com/torosent/gatewayprobe/internal/feeder"
	"github.com/torosent/gatewayprobe/internal/logging"
	"github.com/torosent/gatewayprobe/internal/output"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
	"github.com/torosent/gatewayprobe/internal/store"
	"github.com/torosent/gatewayprobe/internal/telemetry"
	"github.com/torosent/gatewayprobe/internal/threshold"
	"github.com/torosent/gatewayprobe/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.NewLoader().Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logOut := stderr
	if cfg.Dashboard {
		// The dashboard owns the terminal while the run is active.
		logOut = io.Discard
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: logOut})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	p, err := loadPlan(cfg)
	if err != nil {
		return err
	}
	instruments, err := loadInstruments(cfg.Instruments, logger)
	if err != nil {
		return err
	}
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, cfg.Tracing,
		attribute.String("gatewayprobe.plan", p.Name),
		attribute.String("gatewayprobe.connector", string(cfg.Connector)),
		attribute.String("gatewayprobe.target", cfg.TargetURL),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), shutdownTimeout)
		defer c()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	creds, err := buildAuthProvider(cfg.Auth)
	if err != nil {
		return err
	}
	if creds != nil {
		defer creds.Close()
	}

	conn, err := buildConnector(cfg, tp, creds, logger)
	if err != nil {
		return err
	}

	reports, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if reports != nil {
		defer func() {
			if err := reports.Close(); err != nil {
				logger.Warn("close report store", zap.Error(err))
			}
		}()
	}

	opts := control.Options{
		Connector:          conn,
		Thresholds:         thresholds,
		Seed:               cfg.Seed,
		ConnectConcurrency: cfg.ConnectConcurrency,
		ConnectTimeout:     cfg.ConnectTimeout,
		SweepInterval:      cfg.SweepInterval,
		Tick:               cfg.Tick,
		Logger:             logger,
	}
	if reports != nil {
		opts.Store = reports
	}
	if instruments != nil {
		opts.Fields = instruments
	}
	if tp.Enabled() {
		opts.Tracer = tp.RunTracer()
	}

	var (
		mgr      *control.Manager
		exporter *telemetry.Exporter
	)
	if cfg.Metrics.Listen != "" {
		exporter = telemetry.NewExporter(func() []control.RunStatus { return mgr.List() }, logger)
		opts.Observers = append(opts.Observers, exporter.Observer)
	}
	mgr = control.NewManager(opts)
	defer mgr.Close()
	if exporter != nil {
		go func() {
			if err := exporter.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	h, err := mgr.StartRun(ctx, p, cfg.Token)
	if err != nil {
		return err
	}
	if cfg.Token == "" {
		fmt.Fprintf(stderr, "run %s control token: %s\n", h.ID, h.Token)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go handleSignals(ctx, sigCh, mgr, h, logger)

	var dash *dashboard.Dashboard
	if cfg.Dashboard {
		dash, err = startDashboard(cfg, p, mgr, h)
		if err != nil {
			return err
		}
	}

	var progress *output.ProgressReporter
	if cfg.ProgressInterval > 0 && !cfg.JSONOutput && dash == nil {
		progress = output.NewProgressReporter(func() runner.State {
			st, _ := mgr.Status(h.ID)
			return st.State
		}, cfg.ProgressInterval, stderr)
		progress.Start()
	}

	rep, err := mgr.Wait(context.Background(), h.ID)
	if dash != nil {
		dash.Stop()
	}
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(stderr)
	}
	if err != nil {
		return err
	}

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(stdout, rep); err != nil {
			return err
		}
	} else {
		output.PrintReport(stdout, rep)
	}
	if cfg.HTMLOutput != "" {
		if err := writeHTMLReport(cfg.HTMLOutput, rep, cfg.TargetURL); err != nil {
			return err
		}
		logger.Info("html report written", zap.String("path", cfg.HTMLOutput))
	}

	return runOutcome(rep)
}

// handleSignals stops the run on the first signal and forces a shutdown on
// the second.
func handleSignals(ctx context.Context, sigCh <-chan os.Signal, mgr *control.Manager, h control.Handle, logger *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-sigCh:
	}
	logger.Info("interrupt received, draining outstanding probes", zap.String("run_id", h.ID))
	if err := mgr.Stop(h.ID, h.Token); err != nil {
		logger.Warn("stop run", zap.Error(err))
	}
	select {
	case <-ctx.Done():
		return
	case <-sigCh:
	}
	logger.Warn("second interrupt, abandoning outstanding probes")
	mgr.Close()
}

func startDashboard(cfg *config.Config, p plan.Plan, mgr *control.Manager, h control.Handle) (*dashboard.Dashboard, error) {
	dash, err := dashboard.New(
		func() control.Report {
			rep, _ := mgr.Report(h.ID)
			return rep
		},
		dashboard.Controls{
			Stop:   func() { _ = mgr.Stop(h.ID, h.Token) },
			Pause:  func() error { return mgr.Pause(h.ID, h.Token) },
			Resume: func() error { return mgr.Resume(h.ID) },
		},
		dashboard.RunInfo{
			TargetURL:  cfg.TargetURL,
			Connector:  string(cfg.Connector),
			Sessions:   p.SessionCount,
			Steps:      len(p.Steps),
			Timeout:    p.Timeout,
			Seed:       cfg.Seed,
			ConfigFile: cfg.ConfigFile,
		},
	)
	if err != nil {
		return nil, err
	}
	dash.Start()
	return dash, nil
}

func loadPlan(cfg *config.Config) (plan.Plan, error) {
	p, err := plan.Load(cfg.PlanFile)
	if err != nil {
		return plan.Plan{}, err
	}
	if cfg.Sessions > 0 {
		p.SessionCount = cfg.Sessions
	}
	if cfg.Timeout > 0 {
		p.Timeout = cfg.Timeout
	}
	if cfg.DrainPeriod > 0 {
		p.DrainPeriod = cfg.DrainPeriod
	}
	if err := p.Validate(); err != nil {
		return plan.Plan{}, fmt.Errorf("%s: %w", cfg.PlanFile, err)
	}
	return p, nil
}

func loadInstruments(path string, logger *zap.Logger) (*feeder.Feeder, error) {
	if path == "" {
		return nil, nil
	}
	f, err := feeder.Load(path)
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	logger.Info("instrument feed loaded", zap.String("path", path), zap.Int("records", f.Len()))
	return f, nil
}

func buildAuthProvider(cfg config.AuthConfig) (auth.Provider, error) {
	var grant auth.Grant
	switch cfg.Type {
	case "":
		return nil, nil
	case config.AuthTypeStatic:
		return auth.NewStaticToken(cfg.StaticToken), nil
	case config.AuthTypeOAuth2ClientCredentials:
		grant = auth.GrantClientCredentials
	case config.AuthTypeOAuth2ResourceOwner:
		grant = auth.GrantPassword
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
	p, err := auth.NewOAuth2(grant, auth.OAuth2Config{
		TokenURL:            cfg.TokenURL,
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		Username:            cfg.Username,
		Password:            cfg.Password,
		Scopes:              cfg.Scopes,
		RefreshBeforeExpiry: cfg.RefreshBeforeExpiry,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func buildConnector(cfg *config.Config, tp *tracing.Provider, creds auth.Provider, logger *zap.Logger) (connector.Connector, error) {
	if cfg.Connector == config.ConnectorLoopback {
		return loopback.New(loopback.Options{
			Latency:        cfg.Loopback.Latency,
			Jitter:         cfg.Loopback.Jitter,
			DropRatio:      cfg.Loopback.DropRatio,
			DuplicateRatio: cfg.Loopback.DuplicateRatio,
			Seed:           cfg.Seed,
		}), nil
	}

	ex, err := extractor.New(cfg.WebSocket.CorrelationPath, cfg.WebSocket.CorrelationTag, cfg.WebSocket.CorrelationPattern)
	if err != nil {
		return nil, fmt.Errorf("correlation extractor: %w", err)
	}
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	wsCfg := wsconn.Config{
		URL:              cfg.TargetURL,
		Headers:          headers,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		Extractor:        ex,
		Logger:           logger,
	}
	if tp.ShouldPropagate() {
		wsCfg.Propagate = tracing.InjectHTTPHeaders
	}
	if creds != nil {
		wsCfg.Auth = creds
	}
	return wsconn.New(wsCfg)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.ReportStore, error) {
	switch cfg.Kind {
	case config.StoreBolt:
		s, err := store.OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			TTL:        cfg.Redis.TTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func writeHTMLReport(path string, rep control.Report, target string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}
	if err := output.GenerateHTMLReport(f, rep, target); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runOutcome(rep control.Report) error {
	if rep.Status != runner.StatusCompleted {
		if rep.Error != "" {
			return fmt.Errorf("run %s: %s", rep.Status, rep.Error)
		}
		return fmt.Errorf("run %s", rep.Status)
	}
	if !threshold.Passed(rep.Thresholds) {
		failed := 0
		for _, r := range rep.Thresholds {
			if !r.Pass {
				failed++
			}
		}
		return fmt.Errorf("%d threshold(s) failed", failed)
	}
	return nil
}
