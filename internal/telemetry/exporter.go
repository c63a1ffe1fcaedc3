// Package telemetry exposes live run state as Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
)

const namespace = "gatewayprobe"

// Source lists the runs whose counters are exported on every scrape.
type Source func() []control.RunStatus

// Exporter owns a registry with event metrics fed by run observers and
// counter metrics pulled from a Source at scrape time.
type Exporter struct {
	registry *prometheus.Registry
	log      *zap.Logger

	transitions *prometheus.CounterVec
	stepsEnded  *prometheus.CounterVec
	targetRate  *prometheus.GaugeVec
	actualRate  *prometheus.GaugeVec
	currentStep *prometheus.GaugeVec
}

// NewExporter registers the run metrics. source may be nil.
func NewExporter(source Source, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	e := &Exporter{
		registry: reg,
		log:      logger.With(zap.String("component", "telemetry")),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run state transitions by target state.",
		}, []string{"plan", "to"}),
		stepsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Ramp steps that ended, by final status.",
		}, []string{"plan", "status"}),
		targetRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_target_rate",
			Help:      "Target probe rate of the running step, probes per second.",
		}, []string{"run_id", "plan"}),
		actualRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_actual_rate",
			Help:      "Achieved probe rate of the last finished step, probes per second.",
		}, []string{"run_id", "plan"}),
		currentStep: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_step",
			Help:      "Ordinal of the step currently executing.",
		}, []string{"run_id", "plan"}),
	}
	if source != nil {
		reg.MustRegister(&runCollector{source: source})
	}
	return e
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Observer returns a scheduler observer feeding this exporter. Its signature
// matches control.ObserverFactory.
func (e *Exporter) Observer(runID string, p plan.Plan) runner.Observer {
	return &runObserver{e: e, runID: runID, plan: p.Name}
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	e.log.Info("metrics listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type runObserver struct {
	e     *Exporter
	runID string
	plan  string
}

func (o *runObserver) OnTransition(_, to runner.Status) {
	o.e.transitions.WithLabelValues(o.plan, string(to)).Inc()
	if to != runner.StatusRunning {
		o.e.targetRate.WithLabelValues(o.runID, o.plan).Set(0)
	}
	if to.Terminal() {
		o.e.targetRate.DeleteLabelValues(o.runID, o.plan)
		o.e.currentStep.DeleteLabelValues(o.runID, o.plan)
	}
}

func (o *runObserver) OnStepStart(step runner.StepProgress) {
	o.e.currentStep.WithLabelValues(o.runID, o.plan).Set(float64(step.Ordinal))
	if step.Status == runner.StepRunning {
		o.e.targetRate.WithLabelValues(o.runID, o.plan).Set(step.TargetRate)
	}
}

func (o *runObserver) OnStepEnd(step runner.StepProgress) {
	o.e.stepsEnded.WithLabelValues(o.plan, string(step.Status)).Inc()
	o.e.actualRate.WithLabelValues(o.runID, o.plan).Set(step.ActualRate)
}
