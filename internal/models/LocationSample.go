package models

import "time"

// LocationSample is one accepted position fix for a user. Samples are
// append-only: written once by the owning session, never updated or deleted
// outside of a full trail purge. The (UserID, Timestamp) pair identifies a
// sample; the store assigns Timestamp at append time and keeps it strictly
// increasing per user.
type LocationSample struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    string    `gorm:"index:idx_sample_user_time,priority:1;not null" json:"user_id"`
	Latitude  float64   `gorm:"not null" json:"latitude"`
	Longitude float64   `gorm:"not null" json:"longitude"`
	Timestamp time.Time `gorm:"index:idx_sample_user_time,priority:2;not null" json:"timestamp"`
}

func (LocationSample) TableName() string {
	return "location_samples"
}
