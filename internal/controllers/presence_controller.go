package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crew_tracker/internal/presence"
)

// PresenceController serves the derived online/offline view over REST.
type PresenceController struct {
	view *presence.View
}

func NewPresenceController(view *presence.View) *PresenceController {
	return &PresenceController{view: view}
}

// ListPresence returns the current presence list. The online flag already
// accounts for staleness, so a user whose heartbeats dried up shows offline
// here even before their record is rewritten.
func (pc *PresenceController) ListPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": pc.view.Snapshot()})
}
