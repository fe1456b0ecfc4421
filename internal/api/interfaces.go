// interfaces.go - Handler interfaces for better testability and separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/XTFG/nezha-dash-v1/internal/models"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
	"github.com/XTFG/nezha-dash-v1/internal/session"
)

// HealthHandler handles health check and metadata endpoints
type HealthHandler interface {
	HandleHealth(c echo.Context) error
	HandleRanges(c echo.Context) error
}

// MonitorHandler handles latency history queries
type MonitorHandler interface {
	HandleGetMonitors(c echo.Context) error
	HandleGetSeries(c echo.Context) error
	HandleGetSeriesMsgpack(c echo.Context) error
}

// TelemetryHandler handles ingestion into the local store
type TelemetryHandler interface {
	HandleIngest(c echo.Context) error
}

// LiveHandler handles realtime session operations
type LiveHandler interface {
	HandleStartLive(c echo.Context) error
	HandleGetLive(c echo.Context) error
	HandleStopLive(c echo.Context) error
	HandleLiveKeepAlive(c echo.Context) error
}

// PipelineRunner defines the interface for the latency pipeline
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Series(ctx context.Context, req pipeline.Request) ([]models.MonitorSeries, error)
}

// SessionManager defines the interface for realtime session management
type SessionManager interface {
	StartSession(req pipeline.Request) (*models.LiveSession, error)
	GetSession(id string) (*models.LiveSession, *pipeline.Result, bool)
	TouchSession(id string) bool
	StopSession(id string) bool
	Subscribe(id string) (<-chan *session.Update, func(), error)
}

// TelemetryWriter defines the interface for the local telemetry store
type TelemetryWriter interface {
	AddSeries(ctx context.Context, subjectID uint64, series []models.MonitorSeries) (int, error)
}
