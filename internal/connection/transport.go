package connection

import (
	"context"
	"time"
)

// Transport 单条持久双向连接
// 由 Dialer 创建，只有 Manager 和订阅注册表持有引用
type Transport interface {
	// Subscribe 订阅目的地，handler 在传输层的读协程中被调用
	Subscribe(destination string, handler func(body []byte)) (Subscription, error)
	// Send 向目的地发送一帧
	Send(destination string, body []byte) error
	// Heartbeat 发送一次心跳
	Heartbeat() error
	// HeartbeatIntervals 协商后的心跳间隔，0 表示不启用
	HeartbeatIntervals() (outgoing, incoming time.Duration)
	// Done 连接关闭时关闭
	Done() <-chan struct{}
	// Err 连接关闭原因
	Err() error
	Close() error
}

// Subscription 一个活动订阅句柄
type Subscription interface {
	Unsubscribe() error
}

// Dialer 建立 Transport
// onActivity 在每次收到数据（包括心跳）时调用
type Dialer interface {
	Dial(ctx context.Context, onActivity func()) (Transport, error)
}

// DialFunc 函数形式的 Dialer
type DialFunc func(ctx context.Context, onActivity func()) (Transport, error)

// Dial 实现 Dialer
func (f DialFunc) Dial(ctx context.Context, onActivity func()) (Transport, error) {
	return f(ctx, onActivity)
}

// Listener 连接建立/断开监听器
// 回调按状态迁移顺序串行调用，回调中不能再调用 Connect/Disconnect
type Listener interface {
	OnConnected(t Transport)
	OnDisconnected()
}
