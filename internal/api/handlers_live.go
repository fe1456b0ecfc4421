// handlers_live.go - Realtime session handlers
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/XTFG/nezha-dash-v1/internal/config"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
	"github.com/XTFG/nezha-dash-v1/internal/session"
)

// LiveHandlerImpl implements the LiveHandler interface
type LiveHandlerImpl struct {
	sessions SessionManager
	presets  *config.RangePresets
}

// NewLiveHandler creates a new live session handler
func NewLiveHandler(sessions SessionManager, presets *config.RangePresets) LiveHandler {
	if presets == nil {
		presets = config.DefaultPresets()
	}
	return &LiveHandlerImpl{
		sessions: sessions,
		presets:  presets,
	}
}

type startLiveRequest struct {
	ServerID uint64   `json:"serverId"`
	Hours    float64  `json:"hours"`
	PeakCut  bool     `json:"peakCut"`
	Keys     []string `json:"keys"`
}

// HandleStartLive starts polling a server's latency history
func (h *LiveHandlerImpl) HandleStartLive(c echo.Context) error {
	var req startLiveRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.ServerID == 0 {
		return NewValidationError("serverId")
	}

	hours := h.presets.Default
	if req.Hours > 0 {
		hours = h.presets.Clip(pipeline.NormalizeHours(req.Hours, 0))
	}

	sess, err := h.sessions.StartSession(pipeline.Request{
		SubjectID: req.ServerID,
		Hours:     float64(hours),
		PeakCut:   req.PeakCut,
		Keys:      req.Keys,
	})
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			return NewServiceUnavailableError("too many live sessions")
		}
		return NewInternalError("failed to start session", err)
	}

	return c.JSON(http.StatusAccepted, sess)
}

// HandleGetLive returns the session status and its latest result
func (h *LiveHandlerImpl) HandleGetLive(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	sess, result, ok := h.sessions.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessions.TouchSession(id)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": sess,
		"result":  result,
	})
}

// HandleStopLive stops and removes a session
func (h *LiveHandlerImpl) HandleStopLive(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if ok := h.sessions.StopSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleLiveKeepAlive extends session lifetime for active viewing
func (h *LiveHandlerImpl) HandleLiveKeepAlive(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	if ok := h.sessions.TouchSession(id); !ok {
		return NewNotFoundError("session", id)
	}

	return c.NoContent(http.StatusNoContent)
}
