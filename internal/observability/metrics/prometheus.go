// Package metrics provides Prometheus metrics for the pharmacy locator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SearchesTotal           prometheus.Counter
	SearchesFailed          prometheus.Counter
	SearchDuration          prometheus.Histogram
	PharmaciesReturned      prometheus.Histogram
	SynthesizedLocations    prometheus.Counter
	SynthesizedAvailability prometheus.Counter
	CacheHits               prometheus.Counter
	CacheMisses             prometheus.Counter
	CacheRefreshes          *prometheus.CounterVec
	RegistryUpdates         *prometheus.CounterVec
	SkippedDocuments        *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in services and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_searches_total",
			Help: "Total nearby-pharmacy searches served",
		}),
		SearchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_searches_failed_total",
			Help: "Searches that failed to fetch pharmacy records",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_search_duration_seconds",
			Help:    "Time spent ranking a search",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		PharmaciesReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "locator_pharmacies_returned",
			Help:    "Number of pharmacies returned per search",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SynthesizedLocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_synthesized_locations_total",
			Help: "Pharmacies ranked with a substitute location",
		}),
		SynthesizedAvailability: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_synthesized_availability_total",
			Help: "Pharmacies shown with a randomly chosen availability level",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_cache_hits_total",
			Help: "Pharmacy list cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "locator_cache_misses_total",
			Help: "Pharmacy list cache misses",
		}),
		CacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "locator_cache_refreshes_total",
			Help: "Pharmacy list reloads by outcome",
		}, []string{"outcome"}),
		RegistryUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_updates_total",
			Help: "Registry update events applied, by operation and outcome",
		}, []string{"op", "outcome"}),
		SkippedDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_documents_skipped_total",
			Help: "Stored pharmacy documents dropped from a listing because they could not be decoded",
		}, []string{"store"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.SearchesTotal,
		m.SearchesFailed,
		m.SearchDuration,
		m.PharmaciesReturned,
		m.SynthesizedLocations,
		m.SynthesizedAvailability,
		m.CacheHits,
		m.CacheMisses,
		m.CacheRefreshes,
		m.RegistryUpdates,
		m.SkippedDocuments,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveSearch records a completed search
func (m *Metrics) ObserveSearch(d time.Duration, returned, synthLocations, synthAvailability int) {
	if m == nil {
		return
	}
	m.SearchesTotal.Inc()
	m.SearchDuration.Observe(d.Seconds())
	m.PharmaciesReturned.Observe(float64(returned))
	m.SynthesizedLocations.Add(float64(synthLocations))
	m.SynthesizedAvailability.Add(float64(synthAvailability))
}

// ObserveSearchFailure records a search that could not fetch records
func (m *Metrics) ObserveSearchFailure() {
	if m == nil {
		return
	}
	m.SearchesFailed.Inc()
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// ObserveRefresh records a cache reload
func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(outcome(err)).Inc()
}

// ObserveRegistryUpdate records an applied registry update
func (m *Metrics) ObserveRegistryUpdate(op string, err error) {
	if m == nil {
		return
	}
	m.RegistryUpdates.WithLabelValues(op, outcome(err)).Inc()
}

// ObserveSkippedDocument records a stored document that could not be decoded
func (m *Metrics) ObserveSkippedDocument(store string) {
	if m == nil {
		return
	}
	m.SkippedDocuments.WithLabelValues(store).Inc()
}

// SetBreakerState records a breaker state (0=closed, 1=half-open, 2=open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
