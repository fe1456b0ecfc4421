// handlers_monitor.go - Latency history query handlers
package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/XTFG/nezha-dash-v1/internal/config"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
)

// MonitorHandlerImpl implements the MonitorHandler interface
type MonitorHandlerImpl struct {
	pipeline PipelineRunner
	presets  *config.RangePresets
}

// NewMonitorHandler creates a new monitor handler instance
func NewMonitorHandler(runner PipelineRunner, presets *config.RangePresets) MonitorHandler {
	if presets == nil {
		presets = config.DefaultPresets()
	}
	return &MonitorHandlerImpl{
		pipeline: runner,
		presets:  presets,
	}
}

// HandleGetMonitors returns the assembled series of a server
func (h *MonitorHandlerImpl) HandleGetMonitors(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}

	series, err := h.pipeline.Series(c.Request().Context(), req)
	if err != nil {
		return pipelineError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    series,
	})
}

// HandleGetSeries runs the full pipeline and returns rows plus reconciliation
func (h *MonitorHandlerImpl) HandleGetSeries(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}

	result, err := h.pipeline.Run(c.Request().Context(), req)
	if err != nil {
		return pipelineError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// HandleGetSeriesMsgpack is HandleGetSeries with msgpack encoding
func (h *MonitorHandlerImpl) HandleGetSeriesMsgpack(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}

	result, err := h.pipeline.Run(c.Request().Context(), req)
	if err != nil {
		return pipelineError(err)
	}

	data, err := msgpack.Marshal(result)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}

	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// bindRequest reads the path and query parameters shared by every
// monitor endpoint.
func (h *MonitorHandlerImpl) bindRequest(c echo.Context) (pipeline.Request, error) {
	var req pipeline.Request

	serverID, err := strconv.ParseUint(c.Param("serverId"), 10, 64)
	if err != nil {
		return req, NewValidationError("serverId")
	}
	req.SubjectID = serverID

	req.Hours = float64(h.presets.Default)
	if raw := c.QueryParam("hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
			return req, NewValidationError("hours")
		}
		req.Hours = float64(h.presets.Clip(pipeline.NormalizeHours(hours, 0)))
	}

	if raw := c.QueryParam("max_count"); raw != "" {
		maxCount, err := strconv.Atoi(raw)
		if err != nil || maxCount < 0 {
			return req, NewValidationError("max_count")
		}
		req.MaxCount = maxCount
	}

	if raw := c.QueryParam("peak_cut"); raw != "" {
		peakCut, err := strconv.ParseBool(raw)
		if err != nil {
			return req, NewValidationError("peak_cut")
		}
		req.PeakCut = peakCut
	}

	req.Keys = splitKeys(c.QueryParam("keys"))
	return req, nil
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// pipelineError maps a pipeline failure to an API error.
func pipelineError(err error) *APIError {
	switch {
	case errors.Is(err, pipeline.ErrCanceled) && errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError("latency history took too long")
	case errors.Is(err, pipeline.ErrCanceled):
		return NewCanceledError()
	case errors.Is(err, pipeline.ErrFetch):
		return NewUpstreamError(err)
	}
	return NewInternalError("failed to build latency history", err)
}
