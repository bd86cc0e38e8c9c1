package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Friend status
const (
	FriendPending  int32 = 0
	FriendAccepted int32 = 1
	FriendRejected int32 = 2
	FriendDeleted  int32 = 3
)

// Friend 表示用户好友关系（单向存储，双向各存一条记录）。
// owner_user_id + friend_user_id 为唯一索引；记录由外部好友服务维护。
type Friend struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	OwnerUserID  int64              `bson:"owner_user_id"`  // 谁的好友列表
	FriendUserID int64              `bson:"friend_user_id"` // 好友用户ID（对方）

	Remark    string `bson:"remark,omitempty"` // 备注名
	IsBlocked bool   `bson:"is_blocked"`       // 是否已拉黑该好友
	Status    int32  `bson:"status"`           // 0=待验证，1=已同意，2=已拒绝，3=已删除

	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

func (f *Friend) GetTableName() string {
	return "friend"
}
