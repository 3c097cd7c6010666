package registry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/observability/metrics"
	"github.com/medilink/pharmacy-locator/pkg/circuitbreaker"
)

// InvalidateFunc is called after an update changed at least one backend
type InvalidateFunc func(ctx context.Context, reason string) error

type target struct {
	name    string
	writer  Writer
	breaker *circuitbreaker.CircuitBreaker
}

// Syncer applies update events to every registered backend
type Syncer struct {
	targets    []target
	breakers   *circuitbreaker.Manager
	invalidate InvalidateFunc
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewSyncer creates a syncer. invalidate and m may be nil.
func NewSyncer(breakers *circuitbreaker.Manager, invalidate InvalidateFunc, m *metrics.Metrics, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(nil, logger)
	}
	return &Syncer{
		breakers:   breakers,
		invalidate: invalidate,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("registry-sync"),
	}
}

// AddTarget registers a backend under its own breaker
func (s *Syncer) AddTarget(name string, w Writer) error {
	cb, err := s.breakers.GetOrCreate(name, circuitbreaker.DefaultConfig(name))
	if err != nil {
		return fmt.Errorf("breaker for %s: %w", name, err)
	}
	s.targets = append(s.targets, target{name: name, writer: w, breaker: cb})
	return nil
}

// Apply writes the event to every target. A delete of a missing pharmacy counts as applied.
// Invalidation runs when at least one target applied the change, even if others failed.
func (s *Syncer) Apply(ctx context.Context, ev UpdateEvent) error {
	ctx, span := s.tracer.Start(ctx, "registry.apply",
		trace.WithAttributes(
			attribute.String("op", string(ev.Op)),
			attribute.String("pharmacy_id", ev.ID()),
		))
	defer span.End()

	if err := ev.Validate(); err != nil {
		s.metrics.ObserveRegistryUpdate(string(ev.Op), err)
		span.RecordError(err)
		return err
	}
	if len(s.targets) == 0 {
		return errors.New("no registry targets configured")
	}

	var errs []error
	applied := 0
	for _, t := range s.targets {
		if err := s.applyTo(ctx, t, ev); err != nil {
			s.logger.Error("registry update failed",
				zap.String("target", t.name),
				zap.String("op", string(ev.Op)),
				zap.String("pharmacy_id", ev.ID()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		applied++
	}

	if applied > 0 && s.invalidate != nil {
		reason := fmt.Sprintf("%s %s", ev.Op, ev.ID())
		if err := s.invalidate(ctx, reason); err != nil {
			errs = append(errs, fmt.Errorf("invalidate cache: %w", err))
		}
	}

	err := errors.Join(errs...)
	s.metrics.ObserveRegistryUpdate(string(ev.Op), err)
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.Info("registry update applied",
		zap.String("event_id", ev.EventID),
		zap.String("op", string(ev.Op)),
		zap.String("pharmacy_id", ev.ID()),
		zap.Int("targets", applied))
	return nil
}

func (s *Syncer) applyTo(ctx context.Context, t target, ev UpdateEvent) error {
	_, err := t.breaker.Execute(ctx, func() (any, error) {
		switch ev.Op {
		case OpUpsert:
			return nil, t.writer.Upsert(ctx, *ev.Pharmacy)
		default:
			err := t.writer.Delete(ctx, ev.PharmacyID)
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
	})
	return err
}
