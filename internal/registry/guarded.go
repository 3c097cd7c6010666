package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/pkg/circuitbreaker"
)

// Guarded runs List through a circuit breaker. While the breaker is open it
// serves the last list it read successfully, if there is one.
type Guarded struct {
	lister  Lister
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu       sync.RWMutex
	lastGood []locator.Record
	hasLast  bool
}

// NewGuarded wraps lister with breaker
func NewGuarded(lister Lister, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{lister: lister, breaker: breaker, logger: logger}
}

// List implements Lister
func (g *Guarded) List(ctx context.Context) ([]locator.Record, error) {
	v, err := g.breaker.ExecuteWithFallback(ctx,
		func() (any, error) {
			records, err := g.lister.List(ctx)
			if err != nil {
				return nil, err
			}
			g.mu.Lock()
			g.lastGood = records
			g.hasLast = true
			g.mu.Unlock()
			return records, nil
		},
		func(openErr error) (any, error) {
			g.mu.RLock()
			defer g.mu.RUnlock()
			if !g.hasLast {
				return nil, openErr
			}
			g.logger.Warn("registry unavailable, serving last known pharmacy list",
				zap.String("breaker", g.breaker.Name()),
				zap.Int("pharmacies", len(g.lastGood)))
			return g.lastGood, nil
		})
	if err != nil {
		return nil, err
	}
	return v.([]locator.Record), nil
}
