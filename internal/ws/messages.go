package ws

import (
	"crew_tracker/internal/presence"
	"crew_tracker/internal/trail"
)

// NewTrailPayload flattens an aggregated trail into its wire shape.
func NewTrailPayload(tr trail.Trail) TrailPayload {
	points := make([]TrailPoint, 0, len(tr.Samples))
	for _, s := range tr.Samples {
		points = append(points, TrailPoint{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Timestamp: s.Timestamp,
		})
	}
	return TrailPayload{UserID: tr.UserID, Points: points}
}

// TrailMessage wraps a single user's trail for broadcast.
func TrailMessage(tr trail.Trail) Message {
	return Message{Type: MessageTypeTrail, Data: NewTrailPayload(tr)}
}

// PresenceMessage wraps the derived presence list for broadcast.
func PresenceMessage(statuses []presence.Status) Message {
	return Message{Type: MessageTypePresence, Data: statuses}
}

// SnapshotMessage bundles every trail plus the presence list. Sent once to
// each client right after it connects.
func SnapshotMessage(trails []trail.Trail, statuses []presence.Status) Message {
	payload := SnapshotPayload{
		Trails:   make([]TrailPayload, 0, len(trails)),
		Presence: statuses,
	}
	for _, tr := range trails {
		payload.Trails = append(payload.Trails, NewTrailPayload(tr))
	}
	return Message{Type: MessageTypeSnapshot, Data: payload}
}
