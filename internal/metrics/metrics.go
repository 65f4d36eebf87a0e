package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeyProbes counts liveness probes by provider and outcome kind
	// ("ok", "auth", "timeout", ...).
	KeyProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiverse_key_probes_total",
		Help: "Total number of provider key liveness probes",
	}, []string{"provider", "result"})

	// KeyProbeDuration tracks provider round-trip time
	KeyProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiverse_key_probe_duration_seconds",
		Help:    "Histogram of provider key probe duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"provider"})

	// KeyImports counts bulk-import candidates by outcome
	KeyImports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiverse_key_imports_total",
		Help: "Total number of keys processed by bulk import",
	}, []string{"provider", "outcome"})

	// ActiveKeys is refreshed by the key checker after each sweep
	ActiveKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aiverse_active_keys",
		Help: "Number of active keys per provider",
	}, []string{"provider"})
)
