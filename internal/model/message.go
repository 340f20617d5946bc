package model

import "time"

// MessageKind 消息类型，与服务端 message_type 字段一致
type MessageKind string

const (
	KindText  MessageKind = "text"  // 文本
	KindImage MessageKind = "image" // 图片
	KindFile  MessageKind = "file"  // 文件
)

// Message 聊天消息
// ReadAt 为零值表示未读；ParentID/AttachID 为 0 表示无
type Message struct {
	ID          int64
	RoomID      int64
	SenderID    int64
	ReceiverID  int64
	Body        string
	Kind        MessageKind
	SentAt      time.Time
	ReadAt      time.Time
	ParentID    int64
	AttachID    int64
	ClientNonce string
}

// IsRead 是否已读
func (m Message) IsRead() bool {
	return !m.ReadAt.IsZero()
}

// IsImage 是否为图片消息
func (m Message) IsImage() bool {
	return m.Kind == KindImage
}

// UnreadFor 对 user 而言是否为他人发送且未读
func (m Message) UnreadFor(user int64) bool {
	return m.SenderID != user && !m.IsRead()
}

// Before 按 (SentAt, ID) 排序键比较
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// ReadReceipt 已读回执，作为补丁应用到已有消息
type ReadReceipt struct {
	MessageID int64
	RoomID    int64
	ReaderID  int64
	ReadAt    time.Time
}

// Deletion 消息删除通知，作为外部失效应用到本地消息
type Deletion struct {
	MessageID int64
	RoomID    int64
	DeletedBy int64
}

// RoomSummary 聊天室列表项
type RoomSummary struct {
	ID            int64     `json:"room_idx"`
	TrainerID     int64     `json:"trainer_idx"`
	UserID        int64     `json:"user_idx"`
	Name          string    `json:"room_name"`
	Status        string    `json:"room_status"`
	TrainerName   string    `json:"trainer_name"`
	UserName      string    `json:"user_name"`
	LastMessageID int64     `json:"last_message"`
	LastMessageAt time.Time `json:"-"`
}

// Attachment 消息附件
type Attachment struct {
	ID               int64  `json:"attach_idx"`
	MessageID        int64  `json:"message_idx"`
	OriginalFilename string `json:"original_filename"`
	URL              string `json:"cloudinary_url"`
	SizeBytes        int64  `json:"file_size_bytes"`
	MimeType         string `json:"mime_type"`
	Extension        string `json:"file_extension"`
}
