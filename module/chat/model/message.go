package model

import "time"

// Message is immutable once stored. CreatedAt is assigned by the store and
// never decreases within a room.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id"`
	SenderID  int64     `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
