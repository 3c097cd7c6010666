package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
)

type staticSource []locator.Record

func (s staticSource) Get(ctx context.Context) ([]locator.Record, error) { return s, nil }

type failingSearcher struct{ err error }

func (f failingSearcher) Search(ctx context.Context, q locator.Query) (*locator.Result, error) {
	return nil, f.err
}

func newTestHandler() *PharmacyHandler {
	records := staticSource{
		{ID: "far", Name: "Far Rx", Location: &geo.Point{Lat: 37.80, Lon: -122.40}, Availability: availability.FromString("Low")},
		{ID: "near", Name: "Near Rx", Location: &geo.Point{Lat: 37.7750, Lon: -122.4195}, Availability: availability.FromString("in stock: HIGH")},
		{ID: "unknown", Name: "Mystery Rx"},
	}
	svc := locator.NewService(records, nil, locator.WithRandFactory(func() geo.Rand { return geo.NewSeededRand(7) }))
	return NewPharmacyHandler(svc, nil)
}

func doNearby(t *testing.T, h http.Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/nearby"+query, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNearby(t *testing.T) {
	rec := doNearby(t, newTestHandler().Routes(), "?lat=37.7749&lon=-122.4194&radius=50")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp NearbyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RadiusKm != locator.MaxRadiusKm {
		t.Errorf("radius = %v, want clamped %v", resp.RadiusKm, locator.MaxRadiusKm)
	}
	if resp.Total != 3 || len(resp.Pharmacies) != 3 {
		t.Fatalf("total = %d, returned %d, want 3", resp.Total, len(resp.Pharmacies))
	}

	first := resp.Pharmacies[0]
	if first.ID != "near" {
		t.Fatalf("first = %s, want near", first.ID)
	}
	if first.DistanceDisplay != "14 m" {
		t.Errorf("distance_display = %q, want 14 m", first.DistanceDisplay)
	}
	if first.Availability != "High" || first.AvailabilityColor != "green" || first.AvailabilitySynthesized {
		t.Errorf("availability = %+v", first)
	}
	if first.Travel.Display != "1 min walk" || first.Travel.WalkingMinutes == nil || first.Travel.DrivingMinutes != nil {
		t.Errorf("travel = %+v", first.Travel)
	}
	if first.Location == nil {
		t.Error("known location should be returned")
	}

	for i := 1; i < len(resp.Pharmacies); i++ {
		if resp.Pharmacies[i].DistanceKm < resp.Pharmacies[i-1].DistanceKm {
			t.Fatalf("pharmacies not sorted by distance: %+v", resp.Pharmacies)
		}
	}

	for _, p := range resp.Pharmacies {
		if p.ID != "unknown" {
			continue
		}
		if !p.LocationSynthesized || p.Location != nil {
			t.Errorf("unknown pharmacy location = %+v, synthesized %v", p.Location, p.LocationSynthesized)
		}
		if !p.AvailabilitySynthesized {
			t.Error("unknown pharmacy availability should be flagged synthesized")
		}
	}
}

func TestNearbyLimit(t *testing.T) {
	rec := doNearby(t, newTestHandler().Routes(), "?lat=37.7749&lon=-122.4194&limit=1")
	var resp NearbyResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Pharmacies) != 1 || resp.Total != 3 {
		t.Fatalf("returned %d of %d, want 1 of 3", len(resp.Pharmacies), resp.Total)
	}
	if resp.RadiusKm != locator.DefaultRadiusKm {
		t.Fatalf("radius = %v, want default", resp.RadiusKm)
	}
}

func TestNearbyBadRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing lat", "?lon=-122.4"},
		{"missing lon", "?lat=37.7"},
		{"non-numeric lat", "?lat=abc&lon=-122.4"},
		{"NaN lon", "?lat=37.7&lon=NaN"},
		{"latitude out of range", "?lat=123&lon=-122.4"},
		{"negative limit", "?lat=37.7&lon=-122.4&limit=-1"},
		{"bad radius", "?lat=37.7&lon=-122.4&radius=far"},
	}
	h := newTestHandler().Routes()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doNearby(t, h, tt.query)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("error body = %s", rec.Body.String())
			}
		})
	}
}

func TestNearbyRegistryUnavailable(t *testing.T) {
	h := NewPharmacyHandler(failingSearcher{err: errors.New("fetch pharmacies: connection refused")}, nil)
	rec := doNearby(t, h.Routes(), "?lat=37.7&lon=-122.4")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
