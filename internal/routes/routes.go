package routes

import (
	"net/http"

	ginlog "github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crew_tracker/internal/controllers"
)

func SetupRouter(live *controllers.LiveController, trails *controllers.TrailController, pres *controllers.PresenceController, pos *controllers.PositionController) *gin.Engine {
	r := gin.New()
	r.Use(ginlog.SetLogger(
		ginlog.WithSkipPath([]string{"/healthz", "/metrics"}),
	))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	AuthRoutes(r)
	APIRoutes(r, trails, pres, pos)
	AdminRoutes(r)
	WebSocketRoutes(r, live)

	return r
}
