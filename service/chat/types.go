package chat

import (
	"context"
	"fmt"
)

// Kind is the connection endpoint a client opened.
type Kind string

const (
	KindChat     Kind = "chat"
	KindChatList Kind = "chatlist"
	KindStatus   Kind = "status"
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal   = 1000
	ClosePolicy   = 1008
	CloseInternal = 1011
	CloseTryAgain = 1013
)

const (
	reasonShutdown   = "server shutting down"
	reasonUpstream   = "upstream unavailable"
	reasonAuthFailed = "authentication failed"
	reasonNoToken    = "missing credential"
	reasonSelfChat   = "self-chat is not allowed"
	reasonClientGone = "client closed"
	reasonWriteError = "write failed"
	reasonPanic      = "internal error"
)

// Transport is one duplex connection. Read blocks until a frame arrives or
// the connection is closed; Close is idempotent.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// Handshake is what the gateway knows before authentication.
type Handshake struct {
	Kind        Kind
	Credential  string
	OtherUserID int64 // chat connections only
	Remote      string
}

// State of a session. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// closeReason is the outcome recorded when a session leaves StateJoined.
type closeReason struct {
	code   int
	reason string
}
