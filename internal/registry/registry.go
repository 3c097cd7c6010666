// Package registry provides access to the pharmacy registry that owns pharmacy records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/pkg/idempotency"
)

var (
	// ErrNotFound is returned when a pharmacy does not exist
	ErrNotFound = errors.New("pharmacy not found")
	// ErrInvalidEvent marks update events that can never be applied
	ErrInvalidEvent = errors.New("invalid update event")
)

// Lister lists every pharmacy known to the registry
type Lister interface {
	List(ctx context.Context) ([]locator.Record, error)
}

// Writer applies changes to a registry backend
type Writer interface {
	Upsert(ctx context.Context, rec locator.Record) error
	Delete(ctx context.Context, id string) error
}

// Op is a registry update operation
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// UpdateEvent is published whenever a pharmacy record changes
type UpdateEvent struct {
	EventID    string          `json:"event_id"`
	Op         Op              `json:"op"`
	PharmacyID string          `json:"pharmacy_id"`
	Pharmacy   *locator.Record `json:"pharmacy,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Validate checks the event carries what its operation needs
func (e *UpdateEvent) Validate() error {
	switch e.Op {
	case OpUpsert:
		if e.Pharmacy == nil {
			return fmt.Errorf("%w: upsert without pharmacy", ErrInvalidEvent)
		}
		if e.Pharmacy.ID == "" {
			return fmt.Errorf("%w: upsert without pharmacy id", ErrInvalidEvent)
		}
	case OpDelete:
		if e.PharmacyID == "" {
			return fmt.Errorf("%w: delete without pharmacy_id", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEvent, e.Op)
	}
	return nil
}

// ID returns the pharmacy the event refers to
func (e *UpdateEvent) ID() string {
	if e.PharmacyID != "" {
		return e.PharmacyID
	}
	if e.Pharmacy != nil {
		return e.Pharmacy.ID
	}
	return ""
}

// DedupKey identifies the event for the processed-events inbox. Events without
// an EventID fall back to their operation, pharmacy and timestamp.
func (e *UpdateEvent) DedupKey() string {
	if e.EventID != "" {
		return idempotency.Key("event", e.EventID)
	}
	return idempotency.Key(string(e.Op), e.ID(), e.OccurredAt.UTC().Format(time.RFC3339Nano))
}
