package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/api/middleware"
	"github.com/medilink/pharmacy-locator/internal/cache"
	"github.com/medilink/pharmacy-locator/internal/locator"
)

// CacheAdmin is the cache surface exposed to operators
type CacheAdmin interface {
	InvalidateAll(ctx context.Context) error
	Refresh(ctx context.Context) ([]locator.Record, error)
	Stats() cache.Stats
}

// Broadcaster tells other replicas to drop their cached lists
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, reason string) error
}

// AdminHandler serves operator endpoints
type AdminHandler struct {
	cache     CacheAdmin
	broadcast Broadcaster
	logger    *zap.Logger
}

// NewAdminHandler creates a new handler. broadcast may be nil for a single replica.
func NewAdminHandler(c CacheAdmin, broadcast Broadcaster, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{cache: c, broadcast: broadcast, logger: logger}
}

// Routes returns the handler routes
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/cache", h.CacheStats)
	r.Post("/cache/invalidate", h.InvalidateCache)
	r.Post("/cache/refresh", h.RefreshCache)
	return r
}

// CacheStatsResponse describes the local cache
type CacheStatsResponse struct {
	Loaded   bool       `json:"loaded"`
	Size     int        `json:"size"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
	Hits     int64      `json:"hits"`
	Misses   int64      `json:"misses"`
}

func toStatsResponse(s cache.Stats) CacheStatsResponse {
	resp := CacheStatsResponse{Loaded: s.Loaded, Size: s.Size, Hits: s.Hits, Misses: s.Misses}
	if s.Loaded {
		at := s.LoadedAt.UTC()
		resp.LoadedAt = &at
	}
	return resp
}

// CacheStats handles GET /admin/cache
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toStatsResponse(h.cache.Stats()))
}

// InvalidateCache handles POST /admin/cache/invalidate
func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := middleware.GetClientID(ctx)

	if err := h.cache.InvalidateAll(ctx); err != nil {
		h.logger.Error("cache invalidation failed", zap.String("client_id", client), zap.Error(err))
		jsonError(w, "failed to invalidate cache", http.StatusBadGateway)
		return
	}
	if h.broadcast != nil {
		if err := h.broadcast.PublishInvalidation(ctx, "admin "+client); err != nil {
			h.logger.Error("invalidation broadcast failed", zap.String("client_id", client), zap.Error(err))
			jsonError(w, "cache invalidated locally but broadcast failed", http.StatusBadGateway)
			return
		}
	}

	h.logger.Info("pharmacy cache invalidated", zap.String("client_id", client))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "invalidated",
		"broadcasted": h.broadcast != nil,
	})
}

// RefreshCache handles POST /admin/cache/refresh
func (h *AdminHandler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	records, err := h.cache.Refresh(ctx)
	if err != nil {
		h.logger.Error("cache refresh failed", zap.Error(err))
		jsonError(w, "failed to refresh cache", http.StatusBadGateway)
		return
	}

	h.logger.Info("pharmacy cache refreshed",
		zap.String("client_id", middleware.GetClientID(ctx)),
		zap.Int("pharmacies", len(records)))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "refreshed",
		"pharmacies": len(records),
	})
}
