package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
)

// Status 健康状态
type Status struct {
	Service       string `json:"service"`
	Connection    string `json:"connection"`
	Failures      int    `json:"failures"`
	Redis         string `json:"redis"`
	Subscriptions int    `json:"subscriptions"`
}

// StateSource 连接状态来源
type StateSource interface {
	State() connection.State
	Failures() int
}

// Pinger 可探活的外部依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscriptionCounter 订阅计数器接口
type SubscriptionCounter interface {
	Subscriptions() int
}

// Checker 健康检查器
type Checker struct {
	conn  StateSource
	redis Pinger
	subs  SubscriptionCounter
}

// NewChecker 创建健康检查器，redis 与 subs 可为 nil
func NewChecker(conn StateSource, redis Pinger, subs SubscriptionCounter) *Checker {
	return &Checker{
		conn:  conn,
		redis: redis,
		subs:  subs,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service:    "chatsync",
		Connection: h.conn.State().String(),
		Failures:   h.conn.Failures(),
	}

	// 检查 Redis
	if h.redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.redis.Ping(redisCtx); err == nil {
			status.Redis = "connected"
		} else {
			status.Redis = "disconnected"
		}
	} else {
		status.Redis = "not configured"
	}

	if h.subs != nil {
		status.Subscriptions = h.subs.Subscriptions()
	}

	return status
}

// IsReady 只有连接处于 Connected 时才就绪
func (h *Checker) IsReady() bool {
	return h.conn.State() == connection.StateConnected
}

// Handler 返回 /health 与 /ready 端点
func (h *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h.write(w, http.StatusOK, h.Check(r.Context()))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		code := http.StatusOK
		if !h.IsReady() {
			code = http.StatusServiceUnavailable
		}
		h.write(w, code, h.Check(r.Context()))
	})
	return mux
}

func (h *Checker) write(w http.ResponseWriter, code int, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
