package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// SendFrame 发送消息帧
type SendFrame struct {
	RoomID      int64             `json:"room_idx"`
	SenderID    int64             `json:"sender_idx"`
	ReceiverID  int64             `json:"receiver_idx"`
	Body        string            `json:"message_content"`
	Kind        model.MessageKind `json:"message_type"`
	ParentID    *int64            `json:"parent_idx"`
	ClientNonce string            `json:"unique_id"`
	Timestamp   int64             `json:"timestamp"`
}

// ReadFrame 已读确认帧
// 服务端把读者字段命名为 receiver_idx
type ReadFrame struct {
	MessageID int64 `json:"message_idx"`
	RoomID    int64 `json:"room_idx"`
	ReaderID  int64 `json:"receiver_idx"`
	Timestamp int64 `json:"timestamp"`
}

// DeleteFrame 删除通知帧
type DeleteFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"room_idx"`
	MessageID int64  `json:"message_idx"`
	DeletedBy int64  `json:"deleted_by"`
	Timestamp int64  `json:"timestamp"`
}

// DeleteFrameType 删除通知的 type 字段
const DeleteFrameType = "message_deleted"

// Outbound 已编码、不可变的出站帧
type Outbound struct {
	destination string
	payload     []byte
	nonce       string
}

// Destination 目的地
func (o Outbound) Destination() string {
	return o.destination
}

// Payload 帧内容（返回副本）
func (o Outbound) Payload() []byte {
	return bytes.Clone(o.payload)
}

// Nonce 客户端幂等键，非发送帧为空
func (o Outbound) Nonce() string {
	return o.nonce
}

// WireMessage 服务端推送/历史接口中的消息结构
type WireMessage struct {
	MessageID  int64    `json:"message_idx"`
	RoomID     int64    `json:"room_idx"`
	SenderID   int64    `json:"sender_idx"`
	ReceiverID int64    `json:"receiver_idx"`
	Content    string   `json:"message_content"`
	Type       string   `json:"message_type"`
	ParentID   *int64   `json:"parent_idx"`
	AttachID   *int64   `json:"attach_idx"`
	SendDate   WireTime `json:"message_senddate"`
	ReadDate   WireTime `json:"message_readdate"`
	UniqueID   string   `json:"unique_id,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
}

// Model 转换为领域模型
func (w WireMessage) Model() model.Message {
	m := model.Message{
		ID:          w.MessageID,
		RoomID:      w.RoomID,
		SenderID:    w.SenderID,
		ReceiverID:  w.ReceiverID,
		Body:        w.Content,
		Kind:        model.MessageKind(w.Type),
		SentAt:      w.SendDate.Time,
		ReadAt:      w.ReadDate.Time,
		ClientNonce: w.UniqueID,
	}
	if m.Kind == "" {
		m.Kind = model.KindText
	}
	if w.ParentID != nil {
		m.ParentID = *w.ParentID
	}
	if w.AttachID != nil {
		m.AttachID = *w.AttachID
	}
	if m.SentAt.IsZero() && w.Timestamp > 0 {
		m.SentAt = time.UnixMilli(w.Timestamp)
	}
	return m
}

// wireReadReceipt 服务端已读推送：{message_idx, receiver_idx}
type wireReadReceipt struct {
	MessageID  int64    `json:"message_idx"`
	RoomID     int64    `json:"room_idx"`
	ReceiverID int64    `json:"receiver_idx"`
	ReadDate   WireTime `json:"message_readdate"`
	Timestamp  int64    `json:"timestamp"`
}

// WireTime 兼容毫秒时间戳与文本格式的时间
type WireTime struct {
	time.Time
}

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON 实现 json.Unmarshaler
func (t *WireTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}

	if s[0] != '"' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return err
			}
			ms = int64(f)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	if text == "" {
		t.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}
	var lastErr error
	for _, layout := range wireTimeLayouts {
		parsed, err := time.ParseInLocation(layout, text, time.Local)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// MarshalJSON 编码为毫秒时间戳，零值编码为 null
func (t WireTime) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.Time.UnixMilli(), 10)), nil
}
