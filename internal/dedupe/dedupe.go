package dedupe

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL 已处理消息的保留窗口
const DefaultTTL = 5 * time.Minute

// SeenKeyPrefix 去重 Redis Key 前缀
const SeenKeyPrefix = "fitsync:chat:seen:"

// Cache 去重缓存
// Seen 原子地标记 key，并返回此前是否已在窗口内出现过
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	// Forget 撤销标记，用于动作未成功时允许重试
	Forget(ctx context.Context, key string) error
}

// BuildSeenKey 构建去重 Key
// Key: fitsync:chat:seen:{key}
func BuildSeenKey(key string) string {
	return SeenKeyPrefix + key
}

// MessageKey 入站消息的去重 key
func MessageKey(roomID, messageID int64) string {
	return fmt.Sprintf("msg:%d:%d", roomID, messageID)
}

// ReadKey 已读回执的去重 key
func ReadKey(roomID, messageID, readerID int64) string {
	return fmt.Sprintf("read:%d:%d:%d", roomID, messageID, readerID)
}

// DeleteKey 删除通知的去重 key
func DeleteKey(roomID, messageID int64) string {
	return fmt.Sprintf("del:%d:%d", roomID, messageID)
}
