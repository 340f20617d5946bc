package protocol

import (
	"strconv"

	"github.com/yourjinKR/myFitSync-sub000/internal/subscription"
)

// STOMP 目的地常量定义
const (
	// DestinationSend 客户端 -> 服务端 发送消息
	DestinationSend = "/app/chat.send"

	// DestinationRead 客户端 -> 服务端 已读确认
	DestinationRead = "/app/chat.read"

	// DestinationDelete 客户端 -> 服务端 删除通知
	DestinationDelete = "/app/chat.delete"

	// TopicRoomPrefix 服务端 -> 客户端 聊天室推送前缀
	// 完整格式: /topic/room/{room_id}[/read|/delete]
	TopicRoomPrefix   = "/topic/room/"
	TopicReadSuffix   = "/read"
	TopicDeleteSuffix = "/delete"
)

// BuildRoomTopic 构建聊天室消息频道
func BuildRoomTopic(roomID int64) string {
	return TopicRoomPrefix + strconv.FormatInt(roomID, 10)
}

// BuildRoomReadTopic 构建聊天室已读回执频道
func BuildRoomReadTopic(roomID int64) string {
	return BuildRoomTopic(roomID) + TopicReadSuffix
}

// BuildRoomDeleteTopic 构建聊天室删除通知频道
func BuildRoomDeleteTopic(roomID int64) string {
	return BuildRoomTopic(roomID) + TopicDeleteSuffix
}

// ChannelDestination 订阅键到目的地的映射，供 subscription.Registry 使用
func ChannelDestination(key subscription.Key) string {
	switch key.Kind {
	case subscription.ChannelReadReceipts:
		return BuildRoomReadTopic(key.RoomID)
	case subscription.ChannelDeletions:
		return BuildRoomDeleteTopic(key.RoomID)
	default:
		return BuildRoomTopic(key.RoomID)
	}
}
