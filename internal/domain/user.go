package domain

import (
	"time"
)

// User represents a participant's presence record in the relay store.
// Username is the unique key; Busy implies Online.
type User struct {
	Username string    `json:"username" db:"username"`
	Online   bool      `json:"online" db:"online"`
	Busy     bool      `json:"busy" db:"busy"`
	LastSeen time.Time `json:"last_seen" db:"last_seen"`
}

// Reachable reports whether the user is online with a heartbeat fresh
// within window. Busy is not considered: the busy claim is the only
// authority on that, so a reachable user can still turn out busy.
func (u *User) Reachable(window time.Duration) bool {
	return u.Online && time.Since(u.LastSeen) <= window
}
