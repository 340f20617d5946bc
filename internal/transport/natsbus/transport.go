package natsbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yourjinKR/myFitSync-sub000/internal/config"
	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// defaultFlushTimeout 心跳往返等待上限
const defaultFlushTimeout = 2 * time.Second

// Dialer NATS 拨号器，实现 connection.Dialer
// 关闭 nats.go 自带重连，由 connection.Manager 统一管理
type Dialer struct {
	cfg       config.NATSConfig
	heartbeat time.Duration
	logger    *slog.Logger
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer 创建拨号器
func NewDialer(cfg config.NATSConfig, heartbeat time.Duration, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		cfg:       cfg,
		heartbeat: heartbeat,
		logger:    logger.With("component", "natsbus"),
	}
}

// Dial 实现 connection.Dialer
func (d *Dialer) Dial(ctx context.Context, onActivity func()) (connection.Transport, error) {
	if onActivity == nil {
		onActivity = func() {}
	}
	t := &Transport{
		prefix:     d.cfg.SubjectPrefix,
		heartbeat:  d.heartbeat,
		onActivity: onActivity,
		logger:     d.logger,
		done:       make(chan struct{}),
	}

	timeout := defaultFlushTimeout * 5
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, chatErrors.ErrDialFailed.Wrap(context.DeadlineExceeded)
	}

	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.closeWith(chatErrors.ErrTransportClosed.Wrap(err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.closeWith(chatErrors.ErrTransportClosed.Wrap(nc.LastError()))
		}),
	}

	conn, err := nats.Connect(d.cfg.URL, opts...)
	if err != nil {
		return nil, chatErrors.ErrDialFailed.Wrap(err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, chatErrors.ErrDialFailed.Wrap(err)
	}
	t.conn = conn

	d.logger.Debug("NATS connected", "url", conn.ConnectedUrl())
	return t, nil
}

// Transport 基于 NATS 的 connection.Transport
type Transport struct {
	conn       *nats.Conn
	prefix     string
	heartbeat  time.Duration
	onActivity func()
	logger     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ connection.Transport = (*Transport)(nil)

// Subscribe 实现 connection.Transport
func (t *Transport) Subscribe(destination string, handler func(body []byte)) (connection.Subscription, error) {
	sub, err := t.conn.Subscribe(BuildSubject(t.prefix, destination), func(msg *nats.Msg) {
		t.onActivity()
		handler(msg.Data)
	})
	if err != nil {
		return nil, chatErrors.ErrTransportClosed.Wrap(err)
	}
	return &subscription{sub: sub}, nil
}

// Send 实现 connection.Transport
func (t *Transport) Send(destination string, body []byte) error {
	if err := t.conn.Publish(BuildSubject(t.prefix, destination), body); err != nil {
		return chatErrors.ErrTransportClosed.Wrap(err)
	}
	return nil
}

// Heartbeat 用一次 PING/PONG 往返代替心跳帧
func (t *Transport) Heartbeat() error {
	timeout := t.heartbeat
	if timeout <= 0 || timeout > defaultFlushTimeout {
		timeout = defaultFlushTimeout
	}
	if err := t.conn.FlushTimeout(timeout); err != nil {
		return err
	}
	t.onActivity()
	return nil
}

// HeartbeatIntervals 实现 connection.Transport
func (t *Transport) HeartbeatIntervals() (time.Duration, time.Duration) {
	return t.heartbeat, t.heartbeat
}

// Done 实现 connection.Transport
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err 实现 connection.Transport
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close 实现 connection.Transport
func (t *Transport) Close() error {
	t.closeWith(chatErrors.ErrTransportClosed)
	t.conn.Close()
	return nil
}

// closeWith 只记录关闭原因，连接由 nats.go 或 Close 关闭
func (t *Transport) closeWith(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

type subscription struct {
	sub *nats.Subscription
}

// Unsubscribe 连接已关闭时视为成功
func (s *subscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
