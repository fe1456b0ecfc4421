// handlers_telemetry.go - Telemetry ingestion into the local store
package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/XTFG/nezha-dash-v1/internal/parser"
)

// maxIngestBytes caps a single ingest body.
const maxIngestBytes = 32 << 20

// TelemetryHandlerImpl implements the TelemetryHandler interface
type TelemetryHandlerImpl struct {
	store TelemetryWriter
}

// NewTelemetryHandler creates a telemetry handler. store is nil when the
// server reads from an upstream instead of the local store.
func NewTelemetryHandler(store TelemetryWriter) TelemetryHandler {
	return &TelemetryHandlerImpl{store: store}
}

// HandleIngest stores every usable record of the posted payload.
// The payload may use any shape the adapter recognises; ?shape= pins one.
func (h *TelemetryHandlerImpl) HandleIngest(c echo.Context) error {
	if h.store == nil {
		return NewServiceUnavailableError("telemetry ingestion requires the store source")
	}

	serverID, err := strconv.ParseUint(c.QueryParam("server_id"), 10, 64)
	if err != nil {
		return NewValidationError("server_id")
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBytes))
	if err != nil {
		return NewBadRequestError("failed to read request body", err)
	}

	doc, err := parser.Decode(raw)
	if err != nil {
		return NewBadRequestError("invalid telemetry payload", err)
	}
	if err := parser.CheckError(doc); err != nil {
		return NewBadRequestError("payload carries an error", err)
	}

	registry := parser.GetGlobalRegistry()
	var payload *parser.Payload
	if name := c.QueryParam("shape"); name != "" {
		payload, err = registry.AdaptAs(doc, name)
		if err != nil {
			return NewBadRequestError("payload does not have the requested shape", err)
		}
	} else {
		payload = registry.Adapt(doc)
	}
	if payload.Shape == "" {
		return NewBadRequestError("unrecognised telemetry payload", nil)
	}

	written, err := h.store.AddSeries(c.Request().Context(), serverID, payload.Series)
	if err != nil {
		return NewInternalError("failed to store telemetry", err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"shape":   payload.Shape,
		"series":  len(payload.Series),
		"written": written,
		"dropped": payload.Dropped,
	})
}
