package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/timmy/studiodesk/internal/api/middleware"
	"github.com/timmy/studiodesk/internal/progress"
)

// ProgressHandler upgrades progress channel connections.
type ProgressHandler struct {
	hub      *progress.Hub
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a handler that accepts browser origins allowed by cors.
func NewProgressHandler(hub *progress.Hub, cors middleware.CORSConfig) *ProgressHandler {
	upgrader := progress.NewUpgrader(func(r *http.Request) bool {
		return middleware.IsOriginAllowed(r.Header.Get("Origin"), cors)
	})
	return &ProgressHandler{hub: hub, upgrader: upgrader}
}

// Connect handles GET /api/v1/progress/ws. The user_id query parameter, when
// present, must match the authenticated user.
func (h *ProgressHandler) Connect(c *gin.Context) {
	userID := middleware.UserID(c)
	if q := c.Query("user_id"); q != "" && q != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "user_id does not match the token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Warn("Progress upgrade failed")
		return
	}
	h.hub.Serve(c.Request.Context(), userID, conn)
}
