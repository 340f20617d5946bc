package connection

import (
	"context"
	"log/slog"
	"time"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// missedBeatFactor 入站静默超过 incoming*missedBeatFactor 视为心跳丢失
const missedBeatFactor = 2

// HeartbeatMonitor 单连接心跳监测器
// 按协商间隔发送出站心跳，并检测入站静默
type HeartbeatMonitor struct {
	transport  Transport
	outgoing   time.Duration
	incoming   time.Duration
	lastActive func() time.Time
	logger     *slog.Logger
	onTimeout  func(err error) // 超时回调
}

// NewHeartbeatMonitor 创建心跳监测器
func NewHeartbeatMonitor(t Transport, lastActive func() time.Time, logger *slog.Logger, onTimeout func(err error)) *HeartbeatMonitor {
	outgoing, incoming := t.HeartbeatIntervals()
	return &HeartbeatMonitor{
		transport:  t,
		outgoing:   outgoing,
		incoming:   incoming,
		lastActive: lastActive,
		logger:     logger,
		onTimeout:  onTimeout,
	}
}

// Start 启动心跳监测（阻塞，应在 goroutine 中调用）
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	if h.outgoing <= 0 && h.incoming <= 0 {
		return
	}

	var sendC, checkC <-chan time.Time
	if h.outgoing > 0 {
		ticker := time.NewTicker(h.outgoing)
		defer ticker.Stop()
		sendC = ticker.C
	}
	if h.incoming > 0 {
		ticker := time.NewTicker(h.checkInterval())
		defer ticker.Stop()
		checkC = ticker.C
	}

	h.logger.Debug("Heartbeat monitor started",
		"outgoing", h.outgoing,
		"incoming", h.incoming)

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Heartbeat monitor stopped")
			return
		case <-sendC:
			if err := h.transport.Heartbeat(); err != nil {
				h.logger.Warn("Heartbeat send failed", "error", err)
				h.onTimeout(chatErrors.ErrTransportClosed.Wrap(err))
				return
			}
		case <-checkC:
			idle := time.Since(h.lastActive())
			if idle > h.incoming*missedBeatFactor {
				h.logger.Warn("Heartbeat timeout",
					"idle", idle,
					"incoming", h.incoming)
				h.onTimeout(chatErrors.ErrHeartbeatTimeout.Wrapf("idle %s", idle))
				return
			}
		}
	}
}

// checkInterval 入站检测间隔
func (h *HeartbeatMonitor) checkInterval() time.Duration {
	interval := h.incoming / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
