package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yourjinKR/myFitSync-sub000/internal/anchor"
	"github.com/yourjinKR/myFitSync-sub000/internal/chat"
	"github.com/yourjinKR/myFitSync-sub000/internal/config"
	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	"github.com/yourjinKR/myFitSync-sub000/internal/dedupe"
	"github.com/yourjinKR/myFitSync-sub000/internal/health"
	"github.com/yourjinKR/myFitSync-sub000/internal/history"
	"github.com/yourjinKR/myFitSync-sub000/internal/retry"
	"github.com/yourjinKR/myFitSync-sub000/internal/session"
	"github.com/yourjinKR/myFitSync-sub000/internal/transport/natsbus"
	"github.com/yourjinKR/myFitSync-sub000/internal/transport/stomp"
)

// app 一次命令运行所需的全部组件
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *session.Session
	api     *history.Client
	redis   *dedupe.Redis
	client  *chat.Client
}

// newApp 解析身份并组装客户端，不会发起连接
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, session: session.New()}
	a.api = history.NewClient(cfg.API, history.StaticToken(cfg.API.Token), logger)

	if err := a.resolveIdentity(ctx); err != nil {
		return nil, err
	}

	var cache dedupe.Cache
	if cfg.Redis.Enabled {
		a.redis = dedupe.NewRedis(cfg.Redis, cfg.Dedupe.TTL)
		if err := a.redis.Ping(ctx); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
		cache = a.redis
	} else {
		cache = dedupe.NewMemory(cfg.Dedupe.TTL)
	}

	dialer, err := newDialer(cfg, a.session, logger)
	if err != nil {
		a.closeRedis()
		return nil, err
	}

	client, err := chat.New(chat.Options{
		Dialer: dialer,
		Connection: connection.Config{
			ConnectTimeout: cfg.Transport.ConnectTimeout,
			Backoff:        retry.Exponential(cfg.Reconnect.MaxAttempts, cfg.Reconnect.Base, cfg.Reconnect.Cap),
		},
		Identity: a.session,
		History:  a.api,
		Dedupe:   cache,
		Anchor:   anchorOptions(cfg.Anchor),
		Logger:   logger,
	})
	if err != nil {
		a.closeRedis()
		return nil, err
	}
	a.client = client

	client.OnStateChange(func(s connection.State) {
		logger.Info("Connection state changed", "state", s.String())
	})
	return a, nil
}

// resolveIdentity 优先从令牌解析成员 ID，失败时向服务端查询
func (a *app) resolveIdentity(ctx context.Context) error {
	token := a.cfg.API.Token
	err := a.session.SetToken(token)
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrTokenExpired) {
		return err
	}

	a.logger.Debug("Token carries no member id, asking server", "error", err)
	id, err := a.api.MemberID(ctx)
	if err != nil {
		return fmt.Errorf("resolve member id: %w", err)
	}
	a.session.Set(id, token)
	return nil
}

// Close 关闭客户端与外部依赖
func (a *app) Close() {
	if a.client != nil {
		a.client.Close()
	}
	a.closeRedis()
}

func (a *app) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("Failed to close redis", "error", err)
	}
}

// waitConnected 等待首次连接成功
func (a *app) waitConnected(ctx context.Context) error {
	states := make(chan connection.State, 8)
	a.client.OnStateChange(func(s connection.State) {
		select {
		case states <- s:
		default:
		}
	})
	if err := a.client.Start(); err != nil {
		return err
	}

	timeout := a.cfg.Transport.ConnectTimeout * 2
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		if s := a.client.State(); s == connection.StateConnected {
			return nil
		} else if s == connection.StateLost {
			return fmt.Errorf("connection lost after %d attempts", a.client.Failures())
		}
		select {
		case <-states:
		case <-ctx.Done():
			return fmt.Errorf("wait for connection: %w", ctx.Err())
		}
	}
}

// startHealthServer 启动健康检查 HTTP 服务
func (a *app) startHealthServer(ctx context.Context) {
	if a.cfg.Health.Addr == "" {
		return
	}

	var pinger health.Pinger
	if a.redis != nil {
		pinger = a.redis
	}
	checker := health.NewChecker(a.client, pinger, a.client)

	httpServer := &http.Server{
		Addr:    a.cfg.Health.Addr,
		Handler: checker.Handler(),
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	a.logger.Info("Health check server started", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.logger.Error("Health check server failed", "error", err)
	}
}

// newDialer 按配置的传输类型创建 Dialer
func newDialer(cfg *config.Config, sess *session.Session, logger *slog.Logger) (connection.Dialer, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportNATS:
		return natsbus.NewDialer(cfg.NATS, tc.HeartbeatOutgoing, logger), nil
	case config.TransportWebSocket, config.TransportWebTransport:
		header := http.Header{}
		if token := sess.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		var open stomp.Opener
		if tc.Kind == config.TransportWebTransport {
			open = stomp.WebTransportOpener(tc.URL, header, tc.InsecureSkipVerify)
		} else {
			open = stomp.WebSocketOpener(tc.URL, header, nil)
		}
		return stomp.NewDialer(open, stomp.Options{
			Host:              tc.Host,
			Headers:           tc.HeaderMap(),
			HeartbeatOutgoing: tc.HeartbeatOutgoing,
			HeartbeatIncoming: tc.HeartbeatIncoming,
			Token:             sess.Token,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

func anchorOptions(c config.AnchorConfig) anchor.Options {
	return anchor.Options{
		Margin:       c.Margin,
		Tolerance:    c.Tolerance,
		BandMin:      c.BandMin,
		BandMax:      c.BandMax,
		SettleDelay:  c.SettleDelay,
		ImageTimeout: c.ImageTimeout,
		Lookup:       retry.Fixed(c.Retries, c.Interval),
		NearBottom:   c.NearBottom,
	}
}
