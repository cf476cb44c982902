package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"crew_tracker/internal/config"
	"crew_tracker/internal/middleware"
	"crew_tracker/internal/models"
	"crew_tracker/internal/presence"
	"crew_tracker/internal/publisher"
	"crew_tracker/internal/session"
	"crew_tracker/internal/store"
	"crew_tracker/internal/trail"
	"crew_tracker/internal/ws"
)

// upgrader configures the WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for development (restrict in production!)
	},
}

// LocationUpdate defines the format of incoming JSON from the mobile client.
// Timestamp remains time.Time, relying on the custom UnmarshalJSON.
type LocationUpdate struct {
	Type      string    `json:"type"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"` // Handled by custom UnmarshalJSON
}

// UnmarshalJSON implements a custom unmarshaler for LocationUpdate to handle
// the timestamp formats mobile clients actually send. An absent timestamp is
// allowed, the server clock governs filtering either way.
func (lu *LocationUpdate) UnmarshalJSON(data []byte) error {
	// Alias to avoid infinite recursion during unmarshaling.
	type alias LocationUpdate
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{alias: (*alias)(lu)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	ts := aux.Timestamp
	if ts == "" {
		lu.Timestamp = time.Time{}
		return nil
	}

	// Check if the timestamp string has a timezone suffix (Z for UTC, or a
	// +/- offset). If not, append 'Z' to assume UTC for RFC3339Nano parsing.
	zoned := strings.HasSuffix(ts, "Z")
	if !zoned && len(ts) >= 6 {
		zoned = strings.ContainsAny(ts[len(ts)-6:], "+-")
	}
	if !zoned {
		ts += "Z"
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"raw_timestamp": aux.Timestamp,
			"parsed_string": ts,
			"parse_error":   err,
		}).Error("Custom UnmarshalJSON: failed to parse timestamp.")
		return fmt.Errorf("invalid timestamp %q: %w", aux.Timestamp, err)
	}
	lu.Timestamp = t
	return nil
}

// LiveController owns the live tracking endpoint. Every accepted connection
// becomes one session: the user's fixes flow in through it, the shared state
// flows back out through the hub.
type LiveController struct {
	store store.Store
	hub   *ws.Hub
	agg   *trail.Aggregator
	view  *presence.View
}

func NewLiveController(st store.Store, hub *ws.Hub, agg *trail.Aggregator, view *presence.View) *LiveController {
	return &LiveController{store: st, hub: hub, agg: agg, view: view}
}

// authenticateForWebSocket extracts and validates the JWT token from the
// query string and resolves it to a registered user.
func (lc *LiveController) authenticateForWebSocket(c *gin.Context) (models.User, error) {
	tokenString := c.Query("token")
	if tokenString == "" {
		logrus.Warn("WebSocket connection attempt: Missing token query parameter.")
		return models.User{}, errors.New("missing authentication token")
	}

	logrus.WithField("token_snippet", tokenString[:min(len(tokenString), 30)]+"...").Debug("Received WebSocket connection request with token.")

	claims, err := middleware.ValidateToken(tokenString)
	if err != nil {
		return models.User{}, fmt.Errorf("invalid token: %w", err)
	}

	var user models.User
	if err := config.DB.First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, fmt.Errorf("user with ID %d not found", claims.UserID)
		}
		return models.User{}, fmt.Errorf("database error fetching user for ID %d: %w", claims.UserID, err)
	}
	return user, nil
}

// HandleLiveWebSocket is the Gin handler for the live tracking socket.
// It authenticates the user via a JWT token in the query parameter, opens a
// session for them, pushes the full state snapshot, and then pumps incoming
// fixes into the session until the client disconnects or signs off.
// @Summary Live tracking WebSocket endpoint
// @Description Establishes a WebSocket connection. Clients send location fixes and receive trail and presence updates for every connected user.
// @Produce json
// @Router /ws/live [get]
// @Tags WebSocket
// @Security BearerAuth
// @Param token query string true "JWT token for authentication"
func (lc *LiveController) HandleLiveWebSocket(c *gin.Context) {
	user, authErr := lc.authenticateForWebSocket(c)
	if authErr != nil {
		logrus.WithError(authErr).Warn("WebSocket connection attempt failed.")
		c.JSON(http.StatusUnauthorized, gin.H{"error": authErr.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade WebSocket connection.")
		return
	}
	defer conn.Close()

	userID := strconv.Itoa(int(user.ID))
	sess := session.New(lc.store, models.PresenceRecord{
		UserID:      userID,
		Email:       user.Email,
		DisplayName: user.Name,
	})
	feed := publisher.NewFeed()
	client := ws.NewClient(lc.hub, conn, userID)

	// Teardown runs in reverse order: the client leaves the hub first, then
	// the session stops (which cancels the pending disconnect write), and
	// SessionClosed remains as the net for a session that never stopped
	// cleanly.
	if dc, ok := lc.store.(store.DisconnectCleaner); ok {
		defer dc.SessionClosed(sess.ID)
	}
	defer sess.Stop()
	defer client.Close()

	client.ConfigureRead()
	client.StartWriter()
	lc.hub.Register(client)
	client.Send(ws.SnapshotMessage(lc.agg.Snapshot(), lc.view.Snapshot()))

	if err := sess.Start(c.Request.Context(), feed); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to start live session.")
		client.Send(ws.Message{Type: ws.MessageTypeError, Data: gin.H{"error": "could not start live session"}})
		return
	}

	logrus.WithFields(logrus.Fields{
		"user_id":    userID,
		"session_id": sess.ID,
		"conn_ptr":   fmt.Sprintf("%p", conn),
	}).Info("Live WebSocket connection established.")

	for {
		messageType, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("user_id", userID).Info("Live WebSocket closed normally or abnormally.")
			} else {
				logrus.WithError(err).Errorf("Error reading WebSocket message from user ID %s", userID)
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var update LocationUpdate
		if err := json.Unmarshal(p, &update); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"user_id": userID,
				"payload": string(p),
			}).Error("Error unmarshaling location update.")
			client.Send(ws.Message{Type: ws.MessageTypeError, Data: gin.H{"error": "Invalid location data format. Check timestamp format."}})
			continue
		}

		switch update.Type {
		case "", "fix":
			feed.Push(publisher.Fix{
				Latitude:  update.Latitude,
				Longitude: update.Longitude,
				At:        update.Timestamp,
			})
		case "goodbye":
			logrus.WithFields(logrus.Fields{
				"user_id":    userID,
				"session_id": sess.ID,
			}).Info("User signed off from live session.")
			return
		default:
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
				"type":    update.Type,
			}).Warn("Unexpected WebSocket message type. Ignoring.")
		}
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  userID,
		"conn_ptr": fmt.Sprintf("%p", conn),
	}).Info("Live WebSocket connection closed.")
}
