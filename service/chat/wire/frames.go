// Package wire defines the JSON frames exchanged with clients.
package wire

import (
	"strings"
	"time"

	"PPChat/service/broadcast"
)

// Outbound event types.
const (
	TypeChatMessage  = "chat-message"
	TypeTyping       = "typing"
	TypeStatus       = "status"
	TypeFriendTyping = "friend_typing"
	TypeFriendUpdate = "friend-update"
	TypeError        = "error"
)

// Inbound frame types. A frame without a type is a chat message.
const (
	InMessage     = "message"
	InChatMessage = "chat_message"
	InTyping      = "typing"
)

// TimeLayout is used for every timestamp on the wire.
const TimeLayout = time.RFC3339Nano

type ChatMessage struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Timestamp      string `json:"timestamp"`
}

type Typing struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	IsTyping  bool   `json:"is_typing"`
	Timestamp string `json:"timestamp"`
}

// Status carries last_online as null while the user is online.
type Status struct {
	Type       string  `json:"type"`
	UserID     int64   `json:"user_id"`
	Status     string  `json:"status"`
	LastOnline *string `json:"last_online"`
}

type FriendTyping struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type FriendUpdate struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Inbound is the decoded client frame. Message and Body are aliases.
type Inbound struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Body     string `json:"body"`
	IsTyping bool   `json:"is_typing"`
}

// Kind normalizes the inbound type; message aliases collapse to InMessage.
func (in *Inbound) Kind() string {
	switch strings.TrimSpace(in.Type) {
	case "", InMessage, InChatMessage, TypeChatMessage:
		return InMessage
	default:
		return in.Type
	}
}

// Text returns the message body, preferring "message" over "body".
func (in *Inbound) Text() string {
	if in.Message != "" {
		return in.Message
	}
	return in.Body
}

func Stamp(t time.Time) string { return t.UTC().Format(TimeLayout) }

func NewChatMessage(body string, sender int64, username string, at time.Time) (broadcast.Event, error) {
	return broadcast.NewEvent(TypeChatMessage, ChatMessage{
		Type:           TypeChatMessage,
		Message:        body,
		SenderID:       sender,
		SenderUsername: username,
		Timestamp:      Stamp(at),
	})
}

func NewTyping(user int64, typing bool, at time.Time) (broadcast.Event, error) {
	return broadcast.NewEvent(TypeTyping, Typing{Type: TypeTyping, UserID: user, IsTyping: typing, Timestamp: Stamp(at)})
}

func NewStatus(user int64, status string, lastOnline *time.Time) (broadcast.Event, error) {
	st := Status{Type: TypeStatus, UserID: user, Status: status}
	if lastOnline != nil {
		s := Stamp(*lastOnline)
		st.LastOnline = &s
	}
	return broadcast.NewEvent(TypeStatus, st)
}

func NewFriendTyping(user int64, typing bool) (broadcast.Event, error) {
	return broadcast.NewEvent(TypeFriendTyping, FriendTyping{Type: TypeFriendTyping, UserID: user, IsTyping: typing})
}

func NewFriendUpdate(user int64, username string) (broadcast.Event, error) {
	return broadcast.NewEvent(TypeFriendUpdate, FriendUpdate{Type: TypeFriendUpdate, UserID: user, Username: username})
}

func NewError(msg string) (broadcast.Event, error) {
	return broadcast.NewEvent(TypeError, Error{Type: TypeError, Message: msg})
}
