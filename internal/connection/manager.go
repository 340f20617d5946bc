package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/retry"
)

// Config 连接管理配置
type Config struct {
	ConnectTimeout time.Duration // 单次连接尝试超时
	Backoff        retry.Policy  // 重连退避策略
}

// DefaultConfig 默认配置：最多重连 5 次，1s 起步指数退避，上限 30s
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		Backoff:        retry.Exponential(5, time.Second, 30*time.Second),
	}
}

type timer interface {
	Stop() bool
}

// Manager 管理唯一的持久连接
// 负责连接、断线重连（指数退避）、心跳，以及向监听器广播连接变化
type Manager struct {
	dialer Dialer
	cfg    Config
	logger *slog.Logger

	// notifyMu 串行化状态迁移与对外通知，保证通知顺序与迁移顺序一致
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	transport  Transport
	failures   int
	gen        uint64
	retryTimer timer
	dialCancel context.CancelFunc
	hbCancel   context.CancelFunc
	listeners  []Listener
	watchers   []func(State)

	lastActivity atomic.Int64

	after func(d time.Duration, f func()) timer
}

// NewManager 创建连接管理器
func NewManager(dialer Dialer, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.Backoff.Interval <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	// 重连必须有上限，否则永远到不了 Lost
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = DefaultConfig().Backoff.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.With("component", "connection"),
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// AddListener 注册连接监听器
// 如果当前已连接，立即回调 OnConnected
func (m *Manager) AddListener(l Listener) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	var t Transport
	if m.state == StateConnected {
		t = m.transport
	}
	m.mu.Unlock()

	if t != nil {
		l.OnConnected(t)
	}
}

// OnStateChange 注册状态变化回调（界面用的粗粒度连接信号）
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// State 当前状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures 当前连续失败次数
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Connect 建立连接
// 幂等：处于 Connecting/Connected/Reconnecting 时为空操作
func (m *Manager) Connect() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state.Busy() {
		m.mu.Unlock()
		return
	}
	m.failures = 0
	m.state = StateConnecting
	m.startDialLocked()
	watchers := m.watchers
	m.mu.Unlock()

	m.logger.Info("Connecting")
	notify(watchers, StateConnecting)
}

// Disconnect 主动断开
// 进入 Disconnected，不会安排重连
func (m *Manager) Disconnect() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == StateConnected
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.stopHeartbeatLocked()
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.failures = 0
	listeners, watchers := m.listeners, m.watchers
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Debug("Transport close error", "error", err)
		}
	}
	m.logger.Info("Disconnected")

	if wasConnected {
		for _, l := range listeners {
			l.OnDisconnected()
		}
	}
	notify(watchers, StateDisconnected)
}

// Publish 向目的地发送一帧
// 未连接时立即返回 ErrNotConnected，不做任何重试
func (m *Manager) Publish(destination string, payload []byte) error {
	m.mu.Lock()
	state, t := m.state, m.transport
	m.mu.Unlock()

	if state != StateConnected || t == nil {
		m.logger.Warn("Publish rejected, not connected",
			"destination", destination,
			"state", state.String())
		return chatErrors.ErrNotConnected
	}

	if err := t.Send(destination, payload); err != nil {
		m.logger.Error("Publish failed",
			"destination", destination,
			"error", err)
		return chatErrors.ErrTransportClosed.Wrap(err)
	}
	return nil
}

// startDialLocked 发起一次连接尝试，调用方需持有 mu
func (m *Manager) startDialLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	go m.dial(ctx, cancel, m.gen)
}

// dial 连接尝试协程
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	t, err := m.dialer.Dial(ctx, m.touch)
	cancel()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// 期间已被主动断开
		m.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("Connect attempt failed",
			"error", err,
			"failures", m.failures+1)
		state := m.failLocked()
		watchers := m.watchers
		m.mu.Unlock()
		notify(watchers, state)
		return
	}

	m.state = StateConnected
	m.transport = t
	m.failures = 0
	m.touch()
	hbCtx, hbCancel := context.WithCancel(context.Background())
	m.hbCancel = hbCancel
	monitor := NewHeartbeatMonitor(t, m.lastActive, m.logger, func(err error) {
		m.lost(gen, t, err)
	})
	listeners, watchers := m.listeners, m.watchers
	m.mu.Unlock()

	outgoing, incoming := t.HeartbeatIntervals()
	m.logger.Info("Connection established",
		"heartbeat_outgoing", outgoing,
		"heartbeat_incoming", incoming)

	for _, l := range listeners {
		l.OnConnected(t)
	}
	notify(watchers, StateConnected)

	go monitor.Start(hbCtx)
	go m.watch(gen, t)
}

// watch 等待传输层关闭
func (m *Manager) watch(gen uint64, t Transport) {
	<-t.Done()
	m.lost(gen, t, chatErrors.ErrTransportClosed.Wrap(t.Err()))
}

// lost 已建立的连接意外断开（关闭或心跳超时），进入重连流程
func (m *Manager) lost(gen uint64, t Transport, cause error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.transport = nil
	m.stopHeartbeatLocked()
	state := m.failLocked()
	listeners, watchers := m.listeners, m.watchers
	m.mu.Unlock()

	t.Close()
	m.logger.Warn("Connection dropped", "cause", cause)

	for _, l := range listeners {
		l.OnDisconnected()
	}
	notify(watchers, state)
}

// failLocked 记录一次失败并安排重连，超过上限进入 Lost
func (m *Manager) failLocked() State {
	m.failures++
	if m.cfg.Backoff.Exhausted(m.failures) {
		m.state = StateLost
		m.logger.Error("Connection lost, giving up",
			"error", chatErrors.ErrConnectionLost,
			"max_attempts", m.cfg.Backoff.MaxAttempts)
		return StateLost
	}

	delay := m.cfg.Backoff.Delay(m.failures)
	gen := m.gen
	m.state = StateReconnecting
	m.retryTimer = m.after(delay, func() {
		m.retry(gen)
	})

	m.logger.Info("Reconnect scheduled",
		"attempt", m.failures,
		"max_attempts", m.cfg.Backoff.MaxAttempts,
		"delay", delay)
	return StateReconnecting
}

// retry 重连定时器触发
func (m *Manager) retry(gen uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.state = StateConnecting
	m.startDialLocked()
	watchers := m.watchers
	m.mu.Unlock()

	notify(watchers, StateConnecting)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
}

// touch 记录入站活动
func (m *Manager) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) lastActive() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

func notify(watchers []func(State), s State) {
	for _, fn := range watchers {
		fn(s)
	}
}
