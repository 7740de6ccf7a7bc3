package models

import "time"

// User is a per-platform profile for anyone the agent has observed or
// looked up. Profiles exist as soon as a user is mentioned; fields fill in
// as integrations learn more.
type User struct {
	ID             string    `json:"id"`
	Platform       Platform  `json:"platform"`
	Handle         string    `json:"handle,omitempty"`
	DisplayName    string    `json:"display_name,omitempty"`
	FollowerCount  int       `json:"follower_count,omitempty"`
	FollowingCount int       `json:"following_count,omitempty"`
	Verified       bool      `json:"verified,omitempty"`
	PowerBadge     bool      `json:"power_badge,omitempty"`
	Bio            string    `json:"bio,omitempty"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

// Key returns the per-platform identity key for the user.
func (u *User) Key() string {
	return string(u.Platform) + ":" + u.ID
}
