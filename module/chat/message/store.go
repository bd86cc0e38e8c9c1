// Package message persists 1:1 rooms and their messages.
package message

import (
	"context"
	"strings"
	"time"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
)

// Store is the durable side of the chat path. Implementations serialize room
// creation per unordered pair and Append per room.
type Store interface {
	// GetOrCreateRoom is idempotent; concurrent calls for one pair yield one room.
	GetOrCreateRoom(ctx context.Context, a, b int64) (*chatmodel.ChatRoom, error)
	// Append stores body (trimmed) and assigns CreatedAt. Within a room
	// CreatedAt strictly increases, so History(since=last.CreatedAt) resumes
	// without gaps or duplicates.
	Append(ctx context.Context, room *chatmodel.ChatRoom, sender int64, body string) (*chatmodel.Message, error)
	// History returns messages of roomID created after since (all when nil),
	// ascending.
	History(ctx context.Context, roomID int64, since *time.Time) ([]chatmodel.Message, error)
	// PartnersOf returns the other participant of every room containing user.
	PartnersOf(ctx context.Context, user int64) ([]int64, error)
}

var (
	ErrEmptyBody      = errs.ErrValidation.WithDetail("message body is empty")
	ErrNotParticipant = errs.ErrValidation.WithDetail("sender is not a room participant")
	ErrUnknownRoom    = errs.ErrValidation.WithDetail("unknown room")
)

// precision of stored timestamps; matches PostgreSQL timestamptz
const tick = time.Microsecond

// nextTimestamp returns now, or one tick after last when the clock has not
// moved past it.
func nextTimestamp(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(tick)
	if !last.IsZero() && !ts.After(last) {
		ts = last.Add(tick)
	}
	return ts
}

func checkAppend(room *chatmodel.ChatRoom, sender int64, body string) (string, error) {
	if room == nil {
		return "", ErrUnknownRoom
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if !room.Has(sender) {
		return "", ErrNotParticipant.WithDetail("sender=" + itoa(sender))
	}
	return body, nil
}
