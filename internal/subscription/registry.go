package subscription

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
)

// ChannelKind 每个聊天室的逻辑频道
type ChannelKind int

const (
	ChannelMessages     ChannelKind = iota // 消息
	ChannelReadReceipts                    // 已读回执
	ChannelDeletions                       // 删除通知
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelMessages:
		return "messages"
	case ChannelReadReceipts:
		return "read_receipts"
	case ChannelDeletions:
		return "deletions"
	default:
		return fmt.Sprintf("channel(%d)", int(k))
	}
}

// Key 订阅键
type Key struct {
	RoomID int64
	Kind   ChannelKind
}

// Handler 入站帧处理函数
type Handler func(body []byte)

// DestinationFunc 把订阅键映射为传输层目的地
type DestinationFunc func(Key) string

type entry struct {
	handler Handler
	live    connection.Subscription
	token   uint64
}

// Registry 逻辑订阅注册表
// 记录 (roomID, kind) -> handler，断线期间保留，重连成功后用原 handler 重建活动订阅
type Registry struct {
	mu          sync.Mutex
	entries     map[Key]*entry
	transport   connection.Transport
	destination DestinationFunc
	seq         uint64
	logger      *slog.Logger
}

// NewRegistry 创建注册表
func NewRegistry(destination DestinationFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[Key]*entry),
		destination: destination,
		logger:      logger.With("component", "subscription"),
	}
}

// Subscribe 注册逻辑订阅
// 已连接时立即建立活动订阅，否则等下一次连接成功时激活。
// 返回的 unsubscribe 幂等，断线时调用也安全
func (r *Registry) Subscribe(roomID int64, kind ChannelKind, handler Handler) (unsubscribe func()) {
	key := Key{RoomID: roomID, Kind: kind}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[key]; ok {
		// 同一个键重复订阅：替换而不是追加
		r.dropLiveLocked(key, old)
	}
	r.seq++
	e := &entry{handler: handler, token: r.seq}
	r.entries[key] = e

	if r.transport != nil {
		r.activateLocked(key, e)
	}

	return func() {
		r.unsubscribe(key, e.token)
	}
}

func (r *Registry) unsubscribe(key Key, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.token != token {
		return
	}
	delete(r.entries, key)
	r.dropLiveLocked(key, e)
}

// RestoreAll 用原 handler 为所有已注册的键重建活动订阅
// 单个频道失败只记录日志，不影响其它频道
func (r *Registry) RestoreAll(t connection.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transport = t
	restored, failed := 0, 0
	for key, e := range r.entries {
		// 旧句柄已随旧连接失效，必须重建
		e.live = nil
		if r.activateLocked(key, e) {
			restored++
		} else {
			failed++
		}
	}

	if restored > 0 || failed > 0 {
		r.logger.Info("Subscriptions restored",
			"restored", restored,
			"failed", failed)
	}
}

// Invalidate 连接断开：丢弃所有活动句柄，保留 handler
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transport = nil
	for _, e := range r.entries {
		e.live = nil
	}
}

// OnConnected 实现 connection.Listener
func (r *Registry) OnConnected(t connection.Transport) {
	r.RestoreAll(t)
}

// OnDisconnected 实现 connection.Listener
func (r *Registry) OnDisconnected() {
	r.Invalidate()
}

// Len 已注册的逻辑订阅数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Live 该键当前是否有活动订阅
func (r *Registry) Live(roomID int64, kind ChannelKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[Key{RoomID: roomID, Kind: kind}]
	return ok && e.live != nil
}

// Clear 移除所有逻辑订阅
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.entries {
		r.dropLiveLocked(key, e)
	}
	r.entries = make(map[Key]*entry)
}

func (r *Registry) activateLocked(key Key, e *entry) bool {
	dest := r.destination(key)
	sub, err := r.transport.Subscribe(dest, func(body []byte) {
		e.handler(body)
	})
	if err != nil {
		r.logger.Warn("Subscribe failed",
			"room_id", key.RoomID,
			"channel", key.Kind.String(),
			"destination", dest,
			"error", err)
		return false
	}
	e.live = sub
	r.logger.Debug("Subscribed",
		"room_id", key.RoomID,
		"channel", key.Kind.String(),
		"destination", dest)
	return true
}

func (r *Registry) dropLiveLocked(key Key, e *entry) {
	if e.live == nil {
		return
	}
	if err := e.live.Unsubscribe(); err != nil {
		r.logger.Debug("Unsubscribe failed",
			"room_id", key.RoomID,
			"channel", key.Kind.String(),
			"error", err)
	}
	e.live = nil
}
