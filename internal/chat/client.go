package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourjinKR/myFitSync-sub000/internal/anchor"
	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	"github.com/yourjinKR/myFitSync-sub000/internal/dedupe"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/eventloop"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/protocol"
	"github.com/yourjinKR/myFitSync-sub000/internal/subscription"
)

var timeNow = time.Now

// HistorySource 历史消息来源，由 REST 客户端实现
type HistorySource interface {
	Messages(ctx context.Context, roomID int64, page, size int) ([]model.Message, error)
}

// Options 客户端参数
type Options struct {
	Dialer     connection.Dialer
	Connection connection.Config
	Identity   protocol.IdentityResolver
	// History 为 nil 时打开聊天室不拉取历史
	History HistorySource
	// Dedupe 为 nil 时使用进程内缓存
	Dedupe dedupe.Cache
	// DedupeScope 入站去重 key 的命名空间，为空时每个客户端实例随机生成
	DedupeScope string
	Anchor      anchor.Options
	QueueSize   int
	Logger      *slog.Logger
}

// Handlers 聊天室频道回调，均在事件循环中串行调用
// 为 nil 的回调对应的频道不订阅
type Handlers struct {
	OnMessage     func(model.Message)
	OnReadReceipt func(model.ReadReceipt)
	OnDeletion    func(model.Deletion)
}

// Client 聊天同步引擎
// 单一所有者：持有连接、订阅注册表与事件循环，由调用方显式 Start/Close
type Client struct {
	manager  *connection.Manager
	registry *subscription.Registry
	builder  *protocol.Builder
	identity protocol.IdentityResolver
	history  HistorySource
	dedupe   dedupe.Cache
	scope    string
	loop     *eventloop.Loop
	anchor   anchor.Options
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[*Room]struct{}
	closed bool
}

// New 创建客户端，不会立即连接
func New(opts Options) (*Client, error) {
	if opts.Dialer == nil || opts.Identity == nil {
		return nil, chatErrors.ErrInvalidArgument.Wrapf("dialer and identity are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Connection.ConnectTimeout <= 0 {
		opts.Connection = connection.DefaultConfig()
	}
	if opts.Dedupe == nil {
		opts.Dedupe = dedupe.NewMemory(dedupe.DefaultTTL)
	}
	if opts.DedupeScope == "" {
		opts.DedupeScope = uuid.NewString()
	}
	if opts.Anchor == (anchor.Options{}) {
		opts.Anchor = anchor.DefaultOptions()
	}

	registry := subscription.NewRegistry(protocol.ChannelDestination, logger)
	manager := connection.NewManager(opts.Dialer, opts.Connection, logger)
	manager.AddListener(registry)

	return &Client{
		manager:  manager,
		registry: registry,
		builder:  protocol.NewBuilder(opts.Identity),
		identity: opts.Identity,
		history:  opts.History,
		dedupe:   opts.Dedupe,
		scope:    opts.DedupeScope,
		loop:     eventloop.New(opts.QueueSize, logger),
		anchor:   opts.Anchor,
		logger:   logger.With("component", "chat"),
		rooms:    make(map[*Room]struct{}),
	}, nil
}

// Start 建立连接，幂等
func (c *Client) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return chatErrors.ErrShuttingDown
	}
	c.manager.Connect()
	return nil
}

// Close 关闭所有聊天室、退订全部频道并断开连接
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
	c.registry.Clear()
	c.manager.Disconnect()
	c.loop.Shutdown()
	c.logger.Info("Chat client closed")
}

// State 当前连接状态
func (c *Client) State() connection.State {
	return c.manager.State()
}

// Failures 连续失败次数
func (c *Client) Failures() int {
	return c.manager.Failures()
}

// Subscriptions 已注册的逻辑订阅数
func (c *Client) Subscriptions() int {
	return c.registry.Len()
}

// OnStateChange 注册连接状态回调
func (c *Client) OnStateChange(fn func(connection.State)) {
	c.manager.OnStateChange(fn)
}

// SubscribeToRoom 订阅聊天室频道，返回幂等的 unsubscribe
// 断线期间订阅仍然保留，重连后自动恢复
func (c *Client) SubscribeToRoom(roomID int64, h Handlers) (unsubscribe func(), err error) {
	if roomID <= 0 {
		return nil, chatErrors.ErrInvalidArgument.Wrapf("room id %d", roomID)
	}

	var cancels []func()
	if h.OnMessage != nil {
		cancels = append(cancels, c.registry.Subscribe(roomID, subscription.ChannelMessages, c.messageHandler(roomID, h.OnMessage)))
	}
	if h.OnReadReceipt != nil {
		cancels = append(cancels, c.registry.Subscribe(roomID, subscription.ChannelReadReceipts, c.receiptHandler(roomID, h.OnReadReceipt)))
	}
	if h.OnDeletion != nil {
		cancels = append(cancels, c.registry.Subscribe(roomID, subscription.ChannelDeletions, c.deletionHandler(roomID, h.OnDeletion)))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, cancel := range cancels {
				cancel()
			}
		})
	}, nil
}

// Send 发送消息，未连接时立即失败，不排队
func (c *Client) Send(roomID, receiverID int64, text string, kind model.MessageKind, opts ...protocol.SendOption) (protocol.Outbound, error) {
	out, err := c.builder.BuildSendFrame(text, roomID, receiverID, kind, opts...)
	if err != nil {
		return protocol.Outbound{}, err
	}
	if err := c.manager.Publish(out.Destination(), out.Payload()); err != nil {
		return protocol.Outbound{}, err
	}
	return out, nil
}

// MarkRead 发送已读回执
// 同一读者对同一消息的回执在去重窗口内只发送一次
func (c *Client) MarkRead(ctx context.Context, roomID, messageID int64) error {
	out, err := c.builder.BuildReadFrame(messageID, roomID)
	if err != nil {
		return err
	}
	if c.manager.State() != connection.StateConnected {
		return chatErrors.ErrNotConnected
	}
	reader, err := c.identity.Identity()
	if err != nil {
		return chatErrors.ErrIdentityUnresolved
	}

	key := dedupe.ReadKey(roomID, messageID, reader)
	seen, err := c.dedupe.Seen(ctx, key)
	if err != nil {
		c.logger.Warn("Read dedupe unavailable", "error", err)
	} else if seen {
		return nil
	}

	if err := c.manager.Publish(out.Destination(), out.Payload()); err != nil {
		if ferr := c.dedupe.Forget(ctx, key); ferr != nil {
			c.logger.Warn("Read dedupe rollback failed", "error", ferr)
		}
		return err
	}
	return nil
}

// Delete 发送删除通知
func (c *Client) Delete(roomID, messageID int64) error {
	out, err := c.builder.BuildDeleteFrame(messageID, roomID)
	if err != nil {
		return err
	}
	return c.manager.Publish(out.Destination(), out.Payload())
}

// messageHandler 解码、去重后投递到事件循环
func (c *Client) messageHandler(roomID int64, fn func(model.Message)) subscription.Handler {
	return func(body []byte) {
		m, err := protocol.DecodeMessage(body)
		if err != nil {
			c.logger.Warn("Malformed message frame dropped", "roomId", roomID, "error", err)
			return
		}
		if m.RoomID != roomID {
			c.logger.Warn("Message for another room dropped", "roomId", roomID, "messageRoomId", m.RoomID)
			return
		}
		if c.seenInbound(dedupe.MessageKey(roomID, m.ID)) {
			return
		}
		c.post(func() { fn(m) })
	}
}

func (c *Client) receiptHandler(roomID int64, fn func(model.ReadReceipt)) subscription.Handler {
	return func(body []byte) {
		r, err := protocol.DecodeReadReceipt(body, roomID, timeNow())
		if err != nil {
			c.logger.Warn("Malformed read receipt dropped", "roomId", roomID, "error", err)
			return
		}
		c.post(func() { fn(r) })
	}
}

func (c *Client) deletionHandler(roomID int64, fn func(model.Deletion)) subscription.Handler {
	return func(body []byte) {
		d, err := protocol.DecodeDeletion(body, roomID)
		if err != nil {
			c.logger.Warn("Malformed deletion dropped", "roomId", roomID, "error", err)
			return
		}
		if c.seenInbound(dedupe.DeleteKey(roomID, d.MessageID)) {
			return
		}
		c.post(func() { fn(d) })
	}
}

// seenInbound 去重缓存不可用时放行，由消息仓库按 ID 兜底
func (c *Client) seenInbound(key string) bool {
	seen, err := c.dedupe.Seen(context.Background(), c.scope+":"+key)
	if err != nil {
		c.logger.Warn("Inbound dedupe unavailable", "key", key, "error", err)
		return false
	}
	if seen {
		c.logger.Debug("Duplicate frame dropped", "key", key)
	}
	return seen
}

func (c *Client) post(task eventloop.Task) {
	if !c.loop.Submit(task) {
		c.logger.Debug("Event loop closed, frame dropped")
	}
}

func (c *Client) addRoom(r *Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[r] = struct{}{}
	return true
}

func (c *Client) removeRoom(r *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, r)
}
