package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	geom "github.com/twpayne/go-geom"
	gjson "github.com/twpayne/go-geom/encoding/geojson"

	"crew_tracker/internal/geo"
	"crew_tracker/internal/store"
	"crew_tracker/internal/trail"
	"crew_tracker/internal/ws"
)

// TrailController serves the aggregated movement trails over REST.
type TrailController struct {
	store store.Store
	agg   *trail.Aggregator
}

func NewTrailController(st store.Store, agg *trail.Aggregator) *TrailController {
	return &TrailController{store: st, agg: agg}
}

// ListTrails returns every user's current trail.
func (tc *TrailController) ListTrails(c *gin.Context) {
	trails := tc.agg.Snapshot()
	data := make([]ws.TrailPayload, 0, len(trails))
	for _, tr := range trails {
		data = append(data, ws.NewTrailPayload(tr))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// GetTrail returns one user's trail together with derived movement stats.
func (tc *TrailController) GetTrail(c *gin.Context) {
	userID := c.Param("user_id")
	tr, ok := tc.agg.Trail(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trail for user " + userID})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  ws.NewTrailPayload(tr),
		"stats": trailStats(tr),
	})
}

func trailStats(tr trail.Trail) gin.H {
	var distance float64
	for i := 1; i < len(tr.Samples); i++ {
		prev, curr := tr.Samples[i-1], tr.Samples[i]
		distance += geo.Distance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude)
	}

	stats := gin.H{
		"points":          len(tr.Samples),
		"distance_meters": distance,
	}
	if n := len(tr.Samples); n > 0 {
		first, last := tr.Samples[0], tr.Samples[n-1]
		stats["started_at"] = first.Timestamp
		stats["updated_at"] = last.Timestamp
		stats["duration_seconds"] = last.Timestamp.Sub(first.Timestamp).Seconds()
		if n > 1 {
			prev := tr.Samples[n-2]
			stats["bearing_deg"] = geo.Bearing(prev.Latitude, prev.Longitude, last.Latitude, last.Longitude)
		}
	}
	return stats
}

// GetTrailGeoJSON renders one user's trail as a GeoJSON LineString so it can
// be dropped straight onto a map.
func (tc *TrailController) GetTrailGeoJSON(c *gin.Context) {
	userID := c.Param("user_id")
	tr, ok := tc.agg.Trail(userID)
	if !ok || len(tr.Samples) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trail for user " + userID})
		return
	}

	coords := make([]geom.Coord, 0, len(tr.Samples))
	for _, s := range tr.Samples {
		coords = append(coords, geom.Coord{s.Longitude, s.Latitude})
	}
	ls, err := geom.NewLineString(geom.XY).SetCoords(coords)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build geometry: " + err.Error()})
		return
	}

	b, err := gjson.Marshal(ls)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not encode GeoJSON: " + err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/geo+json", b)
}

// DeleteTrail wipes a user's trail history. Admin only. Connected clients
// see the removal as an empty trail broadcast.
func (tc *TrailController) DeleteTrail(c *gin.Context) {
	userID := c.Param("user_id")
	if err := tc.store.PurgeTrail(c.Request.Context(), userID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to purge trail.")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not purge trail"})
		return
	}

	logrus.WithField("user_id", userID).Info("Trail purged by admin.")
	c.JSON(http.StatusOK, gin.H{"status": "purged", "user_id": userID})
}
