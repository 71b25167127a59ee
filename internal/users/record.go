package users

import (
	"time"
)

// ActivityEntry is one event in a user's provisioning activity log. The log
// currently holds a single entry recording when the user joined.
type ActivityEntry struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Date  string `json:"date"`
}

// Record is the persisted user profile, keyed by the identity subject.
// Joined, Verified, Activity and CreatedAtSeconds are written exactly once at
// first sign-in; every other field is refreshed from the latest identity
// claims and external profile on each sign-in.
type Record struct {
	Subject          string          `gorm:"column:subject;primaryKey;size:190;not null"`
	Avatar           string          `gorm:"column:avatar;size:512"`
	Username         string          `gorm:"column:username;size:190"`
	Name             string          `gorm:"column:name;size:320"`
	Email            string          `gorm:"column:email;size:320"`
	Bio              string          `gorm:"column:bio;size:1024"`
	SocialHandle     string          `gorm:"column:social_handle;size:190"`
	Link             string          `gorm:"column:link;size:512"`
	Verified         bool            `gorm:"column:verified;not null"`
	Joined           string          `gorm:"column:joined;size:32"`
	Activity         []ActivityEntry `gorm:"column:activity;serializer:json"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing user records.
func (Record) TableName() string {
	return "users"
}

// JoinLabel renders the short month/day/year label stamped on first sign-in,
// e.g. "Mar 14, 2026".
func JoinLabel(at time.Time) string {
	return at.Format("Jan 2, 2006")
}
