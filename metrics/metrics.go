package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects stage and solver activity. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	ops        *prometheus.CounterVec
	failures   *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	residual   *prometheus.GaugeVec
}

// New creates a recorder and registers its collectors on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dgadjoint_stage_ops_total",
				Help: "Stage operations invoked, by stage and operation",
			},
			[]string{"stage", "op"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dgadjoint_stage_failures_total",
				Help: "Stage operations that failed, by stage, operation and error kind",
			},
			[]string{"stage", "op", "kind"},
		),
		iterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dgadjoint_nonlinear_iterations",
				Help:    "Nonlinear iterations per state solve",
				Buckets: prometheus.LinearBuckets(0, 2, 10),
			},
			[]string{"stage"},
		),
		residual: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dgadjoint_final_residual_norm",
				Help: "Residual norm at the end of the latest state solve",
			},
			[]string{"stage"},
		),
	}
	for _, c := range []prometheus.Collector{r.ops, r.failures, r.iterations, r.residual} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Op counts one stage operation. A nil Recorder is a no-op.
func (r *Recorder) Op(stage, op string) {
	if r == nil {
		return
	}
	r.ops.WithLabelValues(stage, op).Inc()
}

// Failure counts a failed operation by error kind.
func (r *Recorder) Failure(stage, op, kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(stage, op, kind).Inc()
}

// Solve records the outcome of one nonlinear state solve.
func (r *Recorder) Solve(stage string, iterations int, finalNorm float64) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(stage).Observe(float64(iterations))
	r.residual.WithLabelValues(stage).Set(finalNorm)
}
