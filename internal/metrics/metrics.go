package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/missionloop/api/schemas"
)

// Recorder holds the Prometheus metrics of a single Run. Each Run gets its own
// registry so the textfile written into the run directory only describes that Run.
type Recorder struct {
	Registry *prometheus.Registry

	IterationsTotal     prometheus.Counter
	VerdictsTotal       *prometheus.CounterVec
	ActionStepsTotal    *prometheus.CounterVec
	CredentialRotations prometheus.Counter
	JudgeCallDuration   prometheus.Histogram
	RunDuration         prometheus.Gauge
	RunResult           *prometheus.GaugeVec
}

// NewRecorder creates and registers the run metrics. runID is attached as a constant label.
func NewRecorder(runID string) *Recorder {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"run_id": runID}

	r := &Recorder{
		Registry: reg,

		IterationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "missionloop",
				Name:        "iterations_total",
				Help:        "Iterations executed in the run.",
				ConstLabels: labels,
			},
		),

		VerdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "missionloop",
				Name:        "verdicts_total",
				Help:        "Judge verdicts by status. Skipped judgements are counted as status=\"skipped\".",
				ConstLabels: labels,
			},
			[]string{"status"},
		),

		ActionStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "missionloop",
				Name:        "action_steps_total",
				Help:        "Executed action steps by outcome.",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		CredentialRotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "missionloop",
				Name:        "credential_rotations_total",
				Help:        "Credentials abandoned after a quota rejection.",
				ConstLabels: labels,
			},
		),

		JudgeCallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "missionloop",
				Name:        "judge_call_duration_seconds",
				Help:        "Duration of judge calls including credential rotation.",
				Buckets:     []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				ConstLabels: labels,
			},
		),

		RunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   "missionloop",
				Name:        "run_duration_seconds",
				Help:        "Wall-clock duration of the run.",
				ConstLabels: labels,
			},
		),

		RunResult: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   "missionloop",
				Name:        "run_result",
				Help:        "Set to 1 for the terminal result of the run.",
				ConstLabels: labels,
			},
			[]string{"result", "stop_reason"},
		),
	}

	reg.MustRegister(
		r.IterationsTotal,
		r.VerdictsTotal,
		r.ActionStepsTotal,
		r.CredentialRotations,
		r.JudgeCallDuration,
		r.RunDuration,
		r.RunResult,
	)
	return r
}

// ObserveIteration counts one completed iteration, its verdict and its action steps.
func (r *Recorder) ObserveIteration(it *schemas.Iteration) {
	r.IterationsTotal.Inc()
	switch {
	case it.Verdict != nil:
		r.VerdictsTotal.WithLabelValues(string(it.Verdict.Status)).Inc()
	case it.JudgeSkipped:
		r.VerdictsTotal.WithLabelValues("skipped").Inc()
	}
	for _, a := range it.Actions {
		outcome := "ok"
		if !a.OK {
			outcome = "failed"
		}
		r.ActionStepsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveJudge records one judge call.
func (r *Recorder) ObserveJudge(d time.Duration, rotations int) {
	r.JudgeCallDuration.Observe(d.Seconds())
	r.CredentialRotations.Add(float64(rotations))
}

// ObserveRun records the terminal state.
func (r *Recorder) ObserveRun(s schemas.Summary) {
	r.RunDuration.Set(s.EndedAt.Sub(s.StartedAt).Seconds())
	r.RunResult.WithLabelValues(string(s.Result), string(s.StopReason)).Set(1)
}

// WriteTextfile dumps the registry in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
