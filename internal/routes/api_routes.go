package routes

import (
	"crew_tracker/internal/controllers"
	"crew_tracker/internal/middleware"

	"github.com/gin-gonic/gin"
)

func APIRoutes(r *gin.Engine, trails *controllers.TrailController, pres *controllers.PresenceController, pos *controllers.PositionController) {
	api := r.Group("/api")
	api.Use(middleware.RequireAuth())
	{
		api.GET("/me", controllers.Me)
		api.GET("/trails", trails.ListTrails)
		api.GET("/trails/:user_id", trails.GetTrail)
		api.GET("/trails/:user_id/geojson", trails.GetTrailGeoJSON)
		api.DELETE("/trails/:user_id", middleware.RequireAuthWithRole("admin"), trails.DeleteTrail)
		api.GET("/presence", pres.ListPresence)
		api.GET("/position/:user_id", pos.GetPosition)
	}
}
