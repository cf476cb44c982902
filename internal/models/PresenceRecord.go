package models

import "time"

// PresenceRecord is a user's liveness record. Unlike location samples it is
// mutable and overwritten in place, but only ever by the owning user's
// session: other clients read it, nobody else writes it. Online alone is not
// trustworthy (a crashed client leaves Online=true behind), so consumers
// combine it with LastSeen staleness to decide who is really here.
type PresenceRecord struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	UserID      string    `gorm:"uniqueIndex;not null" json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Online      bool      `gorm:"index" json:"online"`
	LastOnline  time.Time `json:"last_online"`
	LastSeen    time.Time `gorm:"index" json:"last_seen"`
}

func (PresenceRecord) TableName() string {
	return "presence_records"
}
