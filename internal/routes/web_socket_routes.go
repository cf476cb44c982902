package routes

import (
	"crew_tracker/internal/controllers"

	"github.com/gin-gonic/gin"
)

func WebSocketRoutes(r *gin.Engine, live *controllers.LiveController) {
	wsRoutes := r.Group("/ws")
	{
		wsRoutes.GET("/live", live.HandleLiveWebSocket)
	}
}
