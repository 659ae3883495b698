// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment is a fault injection drill against the capture and sync path.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
}

// Metric is a measurable property of the system.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last observation of a metric after rollback.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer      trace.Tracer
	log         *slog.Logger
	sampleEvery time.Duration
	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

func NewEngine(sampleEvery time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if sampleEvery <= 0 {
		sampleEvery = time.Second
	}
	return &Engine{
		tracer:      otel.Tracer("mkutano/chaos"),
		log:         log,
		sampleEvery: sampleEvery,
	}
}

func (ce *Engine) RegisterExperiment(exp Experiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

func (ce *Engine) Experiments() []Experiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]Experiment(nil), ce.experiments...)
}

func (ce *Engine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

// RunExperiment checks the steady state, injects the faults, observes the
// system for exp.Duration, rolls the faults back and validates the outcome.
func (ce *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	ce.execute(ctx, span, exp.Method, result)

	span.AddEvent("observing_system")
	ce.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	ce.execute(ctx, span, exp.Rollback, result)

	// one more sample so assertions see the recovered system
	ce.sample(ctx, exp.SteadyState, result, nil)

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = ce.validateAssertions(exp.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (ce *Engine) execute(ctx context.Context, span trace.Span, actions []Action, result *ExperimentResult) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}
}

type recovery struct {
	start     time.Time
	recovered bool
}

func (ce *Engine) observe(ctx context.Context, exp Experiment, result *ExperimentResult) {
	if exp.Duration <= 0 {
		return
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(ce.sampleEvery)
	defer ticker.Stop()

	var rec recovery
	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			ce.sample(ctx, exp.SteadyState, result, &rec)
		}
	}
}

// sample records one observation per metric. With rec set it also tracks
// the time from first violation to recovery.
func (ce *Engine) sample(ctx context.Context, metrics []Metric, result *ExperimentResult, rec *recovery) {
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}
		result.Observations[metric.Name] = append(result.Observations[metric.Name],
			DataPoint{Timestamp: time.Now(), Value: value})

		if rec == nil {
			continue
		}
		if !evaluateThreshold(value, metric.Threshold) {
			if rec.start.IsZero() {
				rec.start = time.Now()
			}
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		} else if !rec.start.IsZero() && !rec.recovered {
			mttr := time.Since(rec.start)
			result.MTTR = &mttr
			rec.recovered = true
		}
	}
}

func (ce *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}
		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func (ce *Engine) validateAssertions(assertions []Assertion, result *ExperimentResult) bool {
	held := true
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 || !assertion.Condition(observations[len(observations)-1].Value) {
			result.Failed = append(result.Failed, assertion.Message)
			held = false
		}
	}
	return held
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario and reports whether all hypotheses held.
func (ce *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) (bool, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	ce.log.Info("chaos: starting game day", "name", gameDay.Name, "date", gameDay.Date, "scenarios", len(gameDay.Scenarios))
	allHeld := true
	for i, scenario := range gameDay.Scenarios {
		ce.log.Info("chaos: experiment", "n", i+1, "of", len(gameDay.Scenarios), "name", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			ce.log.Error("chaos: experiment aborted", "name", scenario.Name, "error", err)
			allHeld = false
			continue
		}
		ce.logResult(result)
		allHeld = allHeld && result.HypothesisHeld

		if gameDay.Pause > 0 && i < len(gameDay.Scenarios)-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return allHeld, nil
}

func (ce *Engine) logResult(result *ExperimentResult) {
	attrs := []any{
		"name", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"duration", result.Duration,
	}
	if result.MTTR != nil {
		attrs = append(attrs, "mttr", *result.MTTR)
	}
	if result.HypothesisHeld {
		ce.log.Info("chaos: hypothesis held", attrs...)
		return
	}
	ce.log.Warn("chaos: hypothesis violated", append(attrs, "failed", result.Failed)...)
}
