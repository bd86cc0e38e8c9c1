package model

import (
	"time"
)

// Status
const (
	UserNormal   int32 = 0
	UserBanned   int32 = 1
	UserClosed   int32 = 2
	UserReadOnly int32 = 3
)

// Presence wire values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User 是网关所需的用户主档子集；注册与资料维护由外部 CRUD 服务负责。
type User struct {
	ID       int64  `bson:"user_id" json:"id"`
	Username string `bson:"username" json:"username"`
	Nickname string `bson:"nickname,omitempty" json:"nickname,omitempty"`
	Status   int32  `bson:"status,omitempty" json:"status"` // 0=正常,1=禁用,2=注销,3=冻结只读

	IsDeleted  bool      `bson:"is_deleted,omitempty" json:"-"`
	CreateTime time.Time `bson:"create_time" json:"-"`
}

func (u *User) GetTableName() string {
	return "user"
}

// Active reports whether the account may open connections.
func (u *User) Active() bool {
	return !u.IsDeleted && (u.Status == UserNormal || u.Status == UserReadOnly)
}

// DisplayName prefers the nickname.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Presence is derived from the connection count; it is never set directly.
// LastOnline is only meaningful while offline.
type Presence struct {
	Online      bool
	LastOnline  *time.Time
	Connections int64
}

// Status returns the wire value of p.
func (p Presence) Status() string {
	if p.Online {
		return StatusOnline
	}
	return StatusOffline
}
