package routes

import (
	"crew_tracker/internal/controllers"
	"crew_tracker/internal/middleware"

	"github.com/gin-gonic/gin"
)

func AdminRoutes(r *gin.Engine) {
	admin := r.Group("/admin")
	admin.Use(middleware.RequireAuthWithRole("admin"))
	{
		admin.GET("/users", controllers.ListUsers)
	}
}
