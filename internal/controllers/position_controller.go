package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"crew_tracker/internal/geocode"
	"crew_tracker/internal/trail"
)

// PositionController resolves a user's latest fix to a human readable place
// name via reverse geocoding.
type PositionController struct {
	agg      *trail.Aggregator
	geocoder *geocode.Client
}

func NewPositionController(agg *trail.Aggregator, geocoder *geocode.Client) *PositionController {
	return &PositionController{agg: agg, geocoder: geocoder}
}

// GetPosition returns the last known position of a user. Geocoding failures
// degrade to a placeholder rather than failing the request, the coordinates
// are the authoritative part.
func (pc *PositionController) GetPosition(c *gin.Context) {
	userID := c.Param("user_id")
	tr, ok := pc.agg.Trail(userID)
	if !ok || len(tr.Samples) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no known position for user " + userID})
		return
	}

	last := tr.Samples[len(tr.Samples)-1]
	place, err := pc.geocoder.ReverseLookup(c.Request.Context(), last.Latitude, last.Longitude)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id":   userID,
			"latitude":  last.Latitude,
			"longitude": last.Longitude,
		}).Warn("Reverse geocoding failed, returning placeholder.")
		place = "Unknown location"
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"latitude":  last.Latitude,
		"longitude": last.Longitude,
		"timestamp": last.Timestamp,
		"place":     place,
	})
}
