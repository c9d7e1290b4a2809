package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/proto"
)

// APIHandlers provides HTTP handlers for the REST endpoints. They answer
// from the live hub, so responses reflect the same state the relay serves.
type APIHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(hub *core.Hub, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{hub: hub, log: logger}
}

// StatsResponse represents relay occupancy in API responses.
type StatsResponse struct {
	Sessions     int `json:"sessions"`
	Online       int `json:"online"`
	Broadcasters int `json:"broadcasters"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Stats reports connected sessions, online identities and active broadcasters.
// GET /api/stats
func (h *APIHandlers) Stats(c *gin.Context) {
	stats, err := h.hub.Stats(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("stats query failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "hub unavailable"})
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		Sessions:     stats.Sessions,
		Online:       stats.Online,
		Broadcasters: stats.Broadcasters,
	})
}

// VisibleUsers returns the user list exactly as the given identity would see
// it over the socket.
// GET /api/users/:id
func (h *APIHandlers) VisibleUsers(c *gin.Context) {
	viewerID := c.Param("id")

	users, err := h.hub.ViewerList(c.Request.Context(), viewerID)
	if err != nil {
		h.log.Error().Err(err).Str("viewer", viewerID).Msg("viewer list query failed")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "hub unavailable"})
		return
	}

	entries := make([]proto.UserEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, userEntryToWire(u))
	}
	c.JSON(http.StatusOK, proto.UsersPayload{Users: entries})
}
