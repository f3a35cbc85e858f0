package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"imagegen-quota/internal/cache"
)

// Metrics holds the Prometheus collectors for quota decisions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	generations   *prometheus.CounterVec
	meteringFails prometheus.Counter
	resets        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_quota_checks_total",
				Help: "Limit checks by outcome state",
			},
			[]string{"tier", "state"},
		),
		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagegen_quota_check_duration_seconds",
				Help:    "Time spent deciding a limit check",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"state"},
		),
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagegen_quota_generations_total",
				Help: "Generations charged against monthly quota",
			},
			[]string{"tier"},
		),
		meteringFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_quota_metering_failures_total",
			Help: "Successful generations whose usage increment failed",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagegen_quota_monthly_resets_total",
			Help: "Licenses whose monthly usage was reset",
		}),
	}
	reg.MustRegister(m.checks, m.checkDuration, m.generations, m.meteringFails, m.resets)
	return m
}

func (m *Metrics) ObserveCheck(tier, state string, took time.Duration) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "unknown"
	}
	m.checks.WithLabelValues(tier, state).Inc()
	m.checkDuration.WithLabelValues(state).Observe(took.Seconds())
}

func (m *Metrics) IncGeneration(tier string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(tier).Inc()
}

func (m *Metrics) IncMeteringFailure() {
	if m == nil {
		return
	}
	m.meteringFails.Inc()
}

func (m *Metrics) AddResets(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resets.Add(float64(n))
}

type statser interface {
	Stats() cache.Stats
}

// RegisterCache exposes a cache's counters under imagegen_cache_* with a
// "cache" label.
func RegisterCache(reg prometheus.Registerer, name string, c statser) {
	labels := prometheus.Labels{"cache": name}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "imagegen_cache_entries", Help: "Live cache entries", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Size) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "imagegen_cache_hits_total", Help: "Cache hits", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "imagegen_cache_misses_total", Help: "Cache misses", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "imagegen_cache_evictions_total", Help: "Entries evicted for capacity", ConstLabels: labels,
		}, func() float64 { return float64(c.Stats().Evictions) }),
	)
}
