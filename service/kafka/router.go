package kafka

import (
	"hash/crc32"
)

// SelectTopic 同一房间永远命中同一个 Topic，保证房间内消息有序
func SelectTopic(room string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(room))
	idx := int(h % uint32(len(topics)))
	return topics[idx]
}
