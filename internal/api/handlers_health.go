// handlers_health.go - Health check and range preset handlers
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/XTFG/nezha-dash-v1/internal/cache"
	"github.com/XTFG/nezha-dash-v1/internal/config"
	"github.com/XTFG/nezha-dash-v1/internal/parser"
)

// CacheStats reports payload cache usage.
type CacheStats interface {
	Stats() cache.Stats
}

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	source  string
	cache   CacheStats
	presets *config.RangePresets
	started time.Time
}

// NewHealthHandler creates a new health handler. cacheStats may be nil.
func NewHealthHandler(version, source string, cacheStats CacheStats, presets *config.RangePresets) HealthHandler {
	if presets == nil {
		presets = config.DefaultPresets()
	}
	return &HealthHandlerImpl{
		version: version,
		source:  source,
		cache:   cacheStats,
		presets: presets,
		started: time.Now(),
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":        "ok",
		"version":       h.version,
		"source":        h.source,
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
		"shapes":        parser.GetGlobalRegistry().Names(),
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleRanges returns the selectable history ranges
func (h *HealthHandlerImpl) HandleRanges(c echo.Context) error {
	return c.JSON(http.StatusOK, h.presets)
}
