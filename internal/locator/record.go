// Package locator ranks pharmacies by distance from a patient.
package locator

import (
	"time"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
)

// Record is a read-only snapshot of a pharmacy as held by the registry
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	// Location is nil when the registry has no verified coordinates
	Location     *geo.Point       `json:"location,omitempty"`
	Availability availability.Raw `json:"availability"`
}

// Ranked is a Record annotated with values derived for one search
type Ranked struct {
	Record
	DistanceKm float64 `json:"distance_km"`
	// LocationSynthesized marks a distance computed from a substitute point
	LocationSynthesized     bool               `json:"location_synthesized"`
	AvailabilityLevel       availability.Level `json:"availability_level"`
	AvailabilitySynthesized bool               `json:"availability_synthesized"`
}

// Query describes one nearby-pharmacy search
type Query struct {
	User geo.Point `json:"user"`
	// RadiusKm is echoed back for display; it never filters results
	RadiusKm float64 `json:"radius_km"`
	// Limit truncates the ranked list when positive
	Limit int `json:"limit,omitempty"`
}

// Result is the ranked, annotated answer to a Query
type Result struct {
	Query       Query     `json:"query"`
	Pharmacies  []Ranked  `json:"pharmacies"`
	Total       int       `json:"total"`
	GeneratedAt time.Time `json:"generated_at"`
}
