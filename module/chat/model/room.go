package model

import "time"

// ChatRoom is the 1:1 conversation of User1 and User2 (User1 < User2).
// At most one exists per unordered pair; rooms are never deleted.
type ChatRoom struct {
	ID        int64     `json:"id"`
	User1     int64     `json:"user1_id"`
	User2     int64     `json:"user2_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// LastMessageAt is the timestamp of the newest message, zero when empty.
	LastMessageAt time.Time `json:"-"`
}

// Has reports whether user participates in the room.
func (r *ChatRoom) Has(user int64) bool {
	return user == r.User1 || user == r.User2
}

// Other returns the participant that is not user.
func (r *ChatRoom) Other(user int64) int64 {
	if user == r.User1 {
		return r.User2
	}
	return r.User1
}
