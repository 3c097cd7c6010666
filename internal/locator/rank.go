package locator

import (
	"sort"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
)

// Rank computes each record's distance from user and returns them nearest first.
// Records without a usable location get a synthesized point near the user.
// Ties keep input order. The result always has the same length as records.
func Rank(user geo.Point, records []Record, rnd geo.Rand) []Ranked {
	ranked := make([]Ranked, len(records))
	for i, rec := range records {
		r := Ranked{Record: rec}

		loc, ok := usableLocation(rec.Location)
		if !ok {
			loc = geo.Nearby(user, rnd)
			r.LocationSynthesized = true
		}
		r.DistanceKm = geo.DistanceKm(user, loc)
		ranked[i] = r
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked
}

// Annotate resolves the availability level of every ranked record in place
func Annotate(ranked []Ranked, rnd geo.Rand) []Ranked {
	for i := range ranked {
		res := availability.Resolve(ranked[i].Availability, rnd)
		ranked[i].AvailabilityLevel = res.Level
		ranked[i].AvailabilitySynthesized = res.Synthesized
	}
	return ranked
}

// usableLocation treats out-of-range coordinates the same as missing ones
func usableLocation(p *geo.Point) (geo.Point, bool) {
	if p == nil || !p.Valid() {
		return geo.Point{}, false
	}
	return *p, true
}
