// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/XTFG/nezha-dash-v1/internal/config"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Pipeline PipelineRunner
	Sessions SessionManager
	Store    TelemetryWriter // nil unless the store is the source
	Cache    CacheStats
	Presets  *config.RangePresets
	Source   string
	Version  string

	WebSocketMaxMessageSize int64
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Monitor   MonitorHandler
	Telemetry TelemetryHandler
	Live      LiveHandler
	WebSocket *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Source, deps.Cache, deps.Presets),
		Monitor:   NewMonitorHandler(deps.Pipeline, deps.Presets),
		Telemetry: NewTelemetryHandler(deps.Store),
		Live:      NewLiveHandler(deps.Sessions, deps.Presets),
		WebSocket: NewWebSocketHandler(deps.Sessions, deps.WebSocketMaxMessageSize),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)
	apiGroup.GET("/ranges", handlers.Health.HandleRanges)

	// Latency history
	monitorGroup := apiGroup.Group("/monitors")
	monitorGroup.GET("/:serverId", handlers.Monitor.HandleGetMonitors)
	monitorGroup.GET("/:serverId/series", handlers.Monitor.HandleGetSeries)
	monitorGroup.GET("/:serverId/series/msgpack", handlers.Monitor.HandleGetSeriesMsgpack)

	// Local store ingestion
	apiGroup.POST("/telemetry", handlers.Telemetry.HandleIngest)

	// Realtime sessions
	liveGroup := apiGroup.Group("/live")
	liveGroup.POST("", handlers.Live.HandleStartLive)
	liveGroup.GET("/:id", handlers.Live.HandleGetLive)
	liveGroup.DELETE("/:id", handlers.Live.HandleStopLive)
	liveGroup.POST("/:id/keepalive", handlers.Live.HandleLiveKeepAlive)

	RegisterWebSocketRoutes(e, handlers)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/live/:id", handlers.WebSocket.HandleLiveFeed)
}

// MiddlewareOptions tunes SetupMiddleware.
type MiddlewareOptions struct {
	EnableCORS     bool
	AllowOrigins   []string
	RequestLogging bool
	RequestTimeout time.Duration
	BodyLimit      string
	ExposeDetails  bool
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
	exposeDetails = opts.ExposeDetails

	if opts.RequestLogging {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Skipper: func(c echo.Context) bool {
				// Skip health polls and keep-alives
				path := c.Path()
				return path == "/api/health" || strings.HasSuffix(path, "/keepalive")
			},
			Format: "${time_rfc3339} ${status} ${method} ${uri} ${latency_human}\n",
		}))
	}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
	}))

	if opts.EnableCORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			// Compression breaks the WebSocket upgrade
			return strings.HasPrefix(c.Path(), "/api/ws/")
		},
	}))

	if opts.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Path(), "/api/ws/")
			},
			Timeout: opts.RequestTimeout,
		}))
	}
}
