// Package room derives the broadcast group names shared by every gateway
// process. Names are part of the wire contract with other deployments and
// must not change format.
package room

import (
	"fmt"

	"PPChat/tools/errs"
)

// ErrSelfChat rejects a room with a single participant.
var ErrSelfChat = errs.ErrValidation.WithDetail("self-chat is not allowed")

// Pair orders two user ids ascending.
func Pair(a, b int64) (lo, hi int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// RoomOf returns the canonical room group of a and b, independent of order.
func RoomOf(a, b int64) (string, error) {
	if a == b {
		return "", ErrSelfChat
	}
	lo, hi := Pair(a, b)
	return fmt.Sprintf("chat_%d_%d", lo, hi), nil
}

// InboxOf returns the personal notification group of user.
func InboxOf(user int64) string {
	return fmt.Sprintf("chatlist_%d", user)
}

// StatusOf returns the group joined by the user's status connections.
func StatusOf(user int64) string {
	return fmt.Sprintf("status_%d", user)
}
