package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yourjinKR/myFitSync-sub000/internal/anchor"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/protocol"
	"github.com/yourjinKR/myFitSync-sub000/internal/store"
)

// Room 一次聊天室视图
// 持有频道订阅、消息仓库与固定的定位决策；关闭时只退订本聊天室的频道
type Room struct {
	client *Client
	id     int64
	me     int64
	store  *store.Store
	logger *slog.Logger

	anchor      *anchor.Anchor
	unsubscribe func()

	mu      sync.Mutex
	settled bool
	pending []int64 // 定位完成前到达的他人消息
	closed  bool
}

// OpenRoom 订阅频道并拉取历史，返回时定位决策已固定
// 历史拉取期间到达的实时消息按 ID 合并，不会丢失也不会重复
func (c *Client) OpenRoom(ctx context.Context, roomID int64) (*Room, error) {
	if roomID <= 0 {
		return nil, chatErrors.ErrInvalidArgument.Wrapf("room id %d", roomID)
	}
	me, err := c.identity.Identity()
	if err != nil {
		return nil, chatErrors.ErrIdentityUnresolved
	}

	r := &Room{
		client: c,
		id:     roomID,
		me:     me,
		store:  store.New(roomID),
		logger: c.logger.With("roomId", roomID),
	}
	if !c.addRoom(r) {
		return nil, chatErrors.ErrShuttingDown
	}

	unsubscribe, err := c.SubscribeToRoom(roomID, Handlers{
		OnMessage:     r.onMessage,
		OnReadReceipt: r.onReadReceipt,
		OnDeletion:    r.onDeletion,
	})
	if err != nil {
		c.removeRoom(r)
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		// 客户端在订阅期间关闭
		r.mu.Unlock()
		unsubscribe()
		return nil, chatErrors.ErrShuttingDown
	}
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	var page []model.Message
	if c.history != nil {
		page, err = c.history.Messages(ctx, roomID, 0, 0)
		if err != nil {
			r.Close()
			return nil, err
		}
	}
	if r.isClosed() {
		return nil, chatErrors.ErrShuttingDown
	}

	err = c.loop.Do(ctx, func() {
		r.store.MergeHistory(page)
		r.anchor = anchor.NewAnchor(r.store.Messages(), me)
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	d := r.anchor.Decision()
	r.logger.Info("Room opened",
		"messages", r.store.Len(),
		"unread", len(d.Unread),
		"atBottom", d.AtBottom,
		"targetId", d.TargetID)
	return r, nil
}

// ID 聊天室 ID
func (r *Room) ID() int64 {
	return r.id
}

// Messages 当前有序消息快照
func (r *Room) Messages() []model.Message {
	return r.store.Messages()
}

// Events 订阅消息仓库变更，回调在事件循环中执行
func (r *Room) Events(fn func(store.Event)) (cancel func()) {
	return r.store.Subscribe(fn)
}

// Decision 取出打开时固定的定位决策，每个视图只能取一次
func (r *Room) Decision() (anchor.Decision, bool) {
	return r.anchor.Take()
}

// Position 按固定决策执行多轮定位；定位稳定后才确认已读
func (r *Room) Position(ctx context.Context, anchorer anchor.ViewportAnchorer) (anchor.Result, error) {
	d := r.anchor.Decision()
	res, err := anchor.NewPositioner(anchorer, r.logger).Position(ctx, d)
	if err != nil {
		return res, err
	}
	r.settle(ctx, d.Unread)
	return res, nil
}

// PositionViewport 使用默认测量策略定位
func (r *Room) PositionViewport(ctx context.Context, vp anchor.Viewport) (anchor.Result, error) {
	return r.Position(ctx, anchor.NewMeasuredAnchorer(vp, r.client.anchor, r.logger))
}

// Follow 实时消息的跟随滚动
func (r *Room) Follow(ctx context.Context, vp anchor.Viewport, m model.Message) error {
	return anchor.NewFollower(vp, r.client.anchor, r.logger).Follow(ctx, m)
}

// Settled 定位是否已完成
func (r *Room) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// Send 在本聊天室发送消息
func (r *Room) Send(receiverID int64, text string, kind model.MessageKind, opts ...protocol.SendOption) (protocol.Outbound, error) {
	return r.client.Send(r.id, receiverID, text, kind, opts...)
}

// Delete 删除本聊天室的消息
func (r *Room) Delete(messageID int64) error {
	return r.client.Delete(r.id, messageID)
}

// Close 退订本聊天室的频道，不影响共享连接
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubscribe := r.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.client.removeRoom(r)
	r.logger.Debug("Room closed")
}

func (r *Room) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// settle 标记定位完成并确认打开时的未读与期间到达的消息
func (r *Room) settle(ctx context.Context, unread []int64) {
	r.mu.Lock()
	if r.settled || r.closed {
		r.mu.Unlock()
		return
	}
	r.settled = true
	ids := append(unread, r.pending...)
	r.pending = nil
	r.mu.Unlock()

	r.confirm(ctx, ids)
}

// confirm 为仍存在且仍未读的他人消息发送已读回执
func (r *Room) confirm(ctx context.Context, ids []int64) {
	sent := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if sent[id] {
			continue
		}
		sent[id] = true

		m, ok := r.store.Get(id)
		if !ok || !m.UnreadFor(r.me) {
			continue
		}
		if err := r.client.MarkRead(ctx, r.id, id); err != nil {
			r.logger.Warn("Read confirmation failed", "messageId", id, "error", err)
			if chatErrors.IsPrecondition(err) {
				return
			}
		}
	}
}

// onMessage 事件循环中执行
func (r *Room) onMessage(m model.Message) {
	if !r.store.ApplyLive(m) || !m.UnreadFor(r.me) {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if !r.settled {
		r.pending = append(r.pending, m.ID)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	go r.confirm(context.Background(), []int64{m.ID})
}

func (r *Room) onReadReceipt(rr model.ReadReceipt) {
	r.store.ApplyReadReceipt(rr)
}

func (r *Room) onDeletion(d model.Deletion) {
	r.store.Remove(d.MessageID)
}
