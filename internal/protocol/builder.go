package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// IdentityResolver 从会话状态解析当前用户
// 发送者/读者身份只来自会话，不接受调用方传入
type IdentityResolver interface {
	Identity() (int64, error)
}

// IdentityFunc 函数形式的 IdentityResolver
type IdentityFunc func() (int64, error)

// Identity 实现 IdentityResolver
func (f IdentityFunc) Identity() (int64, error) {
	return f()
}

// Builder 出站帧构建器
// 纯转换与校验，不持有任何连接状态
type Builder struct {
	identity IdentityResolver
	nonce    func() string
	now      func() time.Time
}

// Option 构建器选项
type Option func(*Builder)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithNonce 替换幂等键生成器
func WithNonce(nonce func() string) Option {
	return func(b *Builder) {
		b.nonce = nonce
	}
}

// NewBuilder 创建构建器
func NewBuilder(identity IdentityResolver, opts ...Option) *Builder {
	b := &Builder{
		identity: identity,
		nonce:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SendOption 发送帧选项
type SendOption func(*SendFrame)

// WithParent 回复某条消息
func WithParent(parentID int64) SendOption {
	return func(f *SendFrame) {
		if parentID > 0 {
			f.ParentID = &parentID
		}
	}
}

// BuildSendFrame 构建发送消息帧
// 身份无法解析时返回 ErrIdentityUnresolved，不会发起任何发布
func (b *Builder) BuildSendFrame(text string, roomID, receiverID int64, kind model.MessageKind, opts ...SendOption) (Outbound, error) {
	sender, err := b.resolve()
	if err != nil {
		return Outbound{}, err
	}
	if roomID <= 0 {
		return Outbound{}, chatErrors.ErrInvalidArgument.Wrapf("room id %d", roomID)
	}
	if receiverID <= 0 {
		return Outbound{}, chatErrors.ErrInvalidArgument.Wrapf("receiver id %d", receiverID)
	}
	if kind == "" {
		kind = model.KindText
	}
	if kind == model.KindText && strings.TrimSpace(text) == "" {
		return Outbound{}, chatErrors.ErrInvalidArgument.Wrapf("empty message")
	}

	frame := SendFrame{
		RoomID:      roomID,
		SenderID:    sender,
		ReceiverID:  receiverID,
		Body:        text,
		Kind:        kind,
		ClientNonce: b.nonce(),
		Timestamp:   b.now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(&frame)
	}

	return encode(DestinationSend, frame, frame.ClientNonce)
}

// BuildReadFrame 构建已读确认帧
func (b *Builder) BuildReadFrame(messageID, roomID int64) (Outbound, error) {
	reader, err := b.resolve()
	if err != nil {
		return Outbound{}, err
	}
	if messageID <= 0 || roomID <= 0 {
		return Outbound{}, chatErrors.ErrInvalidArgument.Wrapf("message %d room %d", messageID, roomID)
	}

	frame := ReadFrame{
		MessageID: messageID,
		RoomID:    roomID,
		ReaderID:  reader,
		Timestamp: b.now().UnixMilli(),
	}
	return encode(DestinationRead, frame, "")
}

// BuildDeleteFrame 构建删除通知帧
func (b *Builder) BuildDeleteFrame(messageID, roomID int64) (Outbound, error) {
	actor, err := b.resolve()
	if err != nil {
		return Outbound{}, err
	}
	if messageID <= 0 || roomID <= 0 {
		return Outbound{}, chatErrors.ErrInvalidArgument.Wrapf("message %d room %d", messageID, roomID)
	}

	frame := DeleteFrame{
		Type:      DeleteFrameType,
		RoomID:    roomID,
		MessageID: messageID,
		DeletedBy: actor,
		Timestamp: b.now().UnixMilli(),
	}
	return encode(DestinationDelete, frame, "")
}

func (b *Builder) resolve() (int64, error) {
	if b.identity == nil {
		return 0, chatErrors.ErrIdentityUnresolved
	}
	id, err := b.identity.Identity()
	if err != nil {
		if chatErrors.Is(err, chatErrors.ErrIdentityUnresolved) {
			return 0, err
		}
		return 0, chatErrors.ErrIdentityUnresolved.Wrap(err)
	}
	if id <= 0 {
		return 0, chatErrors.ErrIdentityUnresolved
	}
	return id, nil
}

func encode(destination string, v any, nonce string) (Outbound, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Outbound{}, chatErrors.ErrInternal.Wrap(err)
	}
	return Outbound{destination: destination, payload: payload, nonce: nonce}, nil
}
