package natsbus

import "strings"

// DefaultSubjectPrefix 默认 Subject 前缀
const DefaultSubjectPrefix = "fitsync"

// BuildSubject 把 STOMP 目的地映射为 NATS Subject
// 例: /topic/room/5/read -> fitsync.topic.room.5.read
func BuildSubject(prefix, destination string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	path := strings.Trim(destination, "/")
	path = strings.ReplaceAll(path, "/", ".")
	if path == "" {
		return prefix
	}
	return prefix + "." + path
}
