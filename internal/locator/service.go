package locator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
)

const (
	// MinRadiusKm and MaxRadiusKm bound the radius a patient can select
	MinRadiusKm     = 1.0
	MaxRadiusKm     = 20.0
	DefaultRadiusKm = 5.0
)

// Source provides the current pharmacy records
type Source interface {
	Get(ctx context.Context) ([]Record, error)
}

// Service answers nearby-pharmacy searches
type Service struct {
	source  Source
	newRand func() geo.Rand
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithRandFactory overrides how per-search random sources are created
func WithRandFactory(fn func() geo.Rand) Option {
	return func(s *Service) { s.newRand = fn }
}

// WithMetrics records search metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService creates a search service over source
func NewService(source Source, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		source:  source,
		newRand: geo.NewRand,
		logger:  logger,
		tracer:  otel.Tracer("locator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search ranks all known pharmacies by distance from q.User
func (s *Service) Search(ctx context.Context, q Query) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "locator_search",
		trace.WithAttributes(
			attribute.Float64("user.lat", q.User.Lat),
			attribute.Float64("user.lon", q.User.Lon),
		))
	defer span.End()

	start := s.now()

	if err := q.User.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	q.RadiusKm = ClampRadius(q.RadiusKm)

	records, err := s.source.Get(ctx)
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveSearchFailure()
		return nil, fmt.Errorf("fetch pharmacies: %w", err)
	}

	rnd := s.newRand()
	ranked := Annotate(Rank(q.User, records, rnd), rnd)

	total := len(ranked)
	if q.Limit > 0 && q.Limit < len(ranked) {
		ranked = ranked[:q.Limit]
	}

	var synthLoc, synthAvail int
	for _, r := range ranked {
		if r.LocationSynthesized {
			synthLoc++
		}
		if r.AvailabilitySynthesized {
			synthAvail++
		}
	}

	span.SetAttributes(
		attribute.Int("pharmacies.total", total),
		attribute.Int("pharmacies.returned", len(ranked)),
	)
	s.metrics.ObserveSearch(s.now().Sub(start), len(ranked), synthLoc, synthAvail)

	s.logger.Debug("search ranked",
		zap.Int("total", total),
		zap.Int("returned", len(ranked)),
		zap.Int("synthesized_locations", synthLoc),
		zap.Int("synthesized_availability", synthAvail),
	)

	return &Result{
		Query:       q,
		Pharmacies:  ranked,
		Total:       total,
		GeneratedAt: s.now().UTC(),
	}, nil
}

// ClampRadius bounds r to the selectable range; zero or negative selects the default
func ClampRadius(r float64) float64 {
	switch {
	case math.IsNaN(r) || r <= 0:
		return DefaultRadiusKm
	case r < MinRadiusKm:
		return MinRadiusKm
	case r > MaxRadiusKm:
		return MaxRadiusKm
	}
	return r
}
