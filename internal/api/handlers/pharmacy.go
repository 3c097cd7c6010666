// Package handlers provides HTTP handlers for the locator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/api/middleware"
	"github.com/medilink/pharmacy-locator/internal/availability"
	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
)

// MaxLimit caps the limit query parameter
const MaxLimit = 200

// Searcher runs nearby-pharmacy searches
type Searcher interface {
	Search(ctx context.Context, q locator.Query) (*locator.Result, error)
}

// PharmacyHandler serves the patient-facing pharmacy endpoints
type PharmacyHandler struct {
	search Searcher
	logger *zap.Logger
}

// NewPharmacyHandler creates a new handler
func NewPharmacyHandler(search Searcher, logger *zap.Logger) *PharmacyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PharmacyHandler{search: search, logger: logger}
}

// Routes returns the handler routes
func (h *PharmacyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/nearby", h.Nearby)
	return r
}

// TravelResponse is the display estimate for reaching a pharmacy
type TravelResponse struct {
	WalkingMinutes *int   `json:"walking_minutes,omitempty"`
	DrivingMinutes *int   `json:"driving_minutes,omitempty"`
	Display        string `json:"display"`
}

// PharmacyResponse is one ranked pharmacy
type PharmacyResponse struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name"`
	Address                 string         `json:"address,omitempty"`
	Phone                   string         `json:"phone,omitempty"`
	Location                *geo.Point     `json:"location,omitempty"`
	LocationSynthesized     bool           `json:"location_synthesized"`
	DistanceKm              float64        `json:"distance_km"`
	DistanceDisplay         string         `json:"distance_display"`
	Travel                  TravelResponse `json:"travel"`
	Availability            string         `json:"availability"`
	AvailabilityColor       string         `json:"availability_color"`
	AvailabilitySynthesized bool           `json:"availability_synthesized"`
}

// NearbyResponse is the response for GET /pharmacies/nearby
type NearbyResponse struct {
	Lat         float64            `json:"lat"`
	Lon         float64            `json:"lon"`
	RadiusKm    float64            `json:"radius_km"`
	Total       int                `json:"total"`
	Pharmacies  []PharmacyResponse `json:"pharmacies"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Nearby handles GET /pharmacies/nearby?lat=&lon=&radius=&limit=
func (h *PharmacyHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearbyQuery(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.search.Search(r.Context(), q)
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate):
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("nearby search failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "pharmacy registry unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := NearbyResponse{
		Lat:         result.Query.User.Lat,
		Lon:         result.Query.User.Lon,
		RadiusKm:    result.Query.RadiusKm,
		Total:       result.Total,
		Pharmacies:  make([]PharmacyResponse, 0, len(result.Pharmacies)),
		GeneratedAt: result.GeneratedAt,
	}
	for _, p := range result.Pharmacies {
		resp.Pharmacies = append(resp.Pharmacies, toPharmacyResponse(p))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func parseNearbyQuery(r *http.Request) (locator.Query, error) {
	var q locator.Query
	values := r.URL.Query()

	lat, err := parseFloatParam(values.Get("lat"), "lat", true)
	if err != nil {
		return q, err
	}
	lon, err := parseFloatParam(values.Get("lon"), "lon", true)
	if err != nil {
		return q, err
	}
	radius, err := parseFloatParam(values.Get("radius"), "radius", false)
	if err != nil {
		return q, err
	}
	q.User = geo.Point{Lat: lat, Lon: lon}
	q.RadiusKm = radius

	if s := values.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		if limit > MaxLimit {
			limit = MaxLimit
		}
		q.Limit = limit
	}
	return q, nil
}

func parseFloatParam(s, name string, required bool) (float64, error) {
	if s == "" {
		if required {
			return 0, fmt.Errorf("%s is required", name)
		}
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

func toPharmacyResponse(p locator.Ranked) PharmacyResponse {
	travel := geo.EstimateTravel(p.DistanceKm)
	tr := TravelResponse{Display: travel.String()}
	if travel.ShowWalking {
		m := int(travel.Walking.Round(time.Minute) / time.Minute)
		tr.WalkingMinutes = &m
	}
	if travel.ShowDriving {
		m := int(travel.Driving.Round(time.Minute) / time.Minute)
		tr.DrivingMinutes = &m
	}

	resp := PharmacyResponse{
		ID:                      p.ID,
		Name:                    p.Name,
		Address:                 p.Address,
		Phone:                   p.Phone,
		LocationSynthesized:     p.LocationSynthesized,
		DistanceKm:              math.Round(p.DistanceKm*1000) / 1000,
		DistanceDisplay:         geo.FormatDistance(p.DistanceKm),
		Travel:                  tr,
		Availability:            string(p.AvailabilityLevel),
		AvailabilityColor:       availability.Color(p.AvailabilityLevel),
		AvailabilitySynthesized: p.AvailabilitySynthesized,
	}
	if !p.LocationSynthesized {
		resp.Location = p.Location
	}
	return resp
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
