// Package api serves the read-only REST surface next to the websocket.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/refurd/rag/internal/session"
)

// Handler exposes session history reads and health.
type Handler struct {
	store *session.Store
}

// NewHandler creates the REST handler.
func NewHandler(store *session.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the REST routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetSessionMessages returns the display history of a session.
// GET /v1/sessions/:session_id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	sess, ok := h.store.Get(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"messages":   sess.DisplayHistory(),
	})
}
