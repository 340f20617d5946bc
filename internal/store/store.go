package store

import (
	"sort"
	"sync"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// EventKind 仓库变更类型
type EventKind int

const (
	EventAppended EventKind = iota // 新消息到达（实时推送）
	EventMerged                    // 历史合并完成
	EventRead                      // 已读状态前进
	EventRemoved                   // 外部删除
)

func (k EventKind) String() string {
	switch k {
	case EventAppended:
		return "appended"
	case EventMerged:
		return "merged"
	case EventRead:
		return "read"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event 仓库变更通知
// EventMerged 时 Message 为零值
type Event struct {
	Kind    EventKind
	Message model.Message
}

// Store 单个聊天室的有序、去重消息集合
// 任何变更之后按 (SentAt, ID) 非递减迭代；合并永不失败，坏数据被规整掉
type Store struct {
	roomID int64

	mu        sync.RWMutex
	messages  []model.Message
	index     map[int64]int
	listeners map[uint64]func(Event)
	nextID    uint64
}

// New 创建聊天室消息仓库
func New(roomID int64) *Store {
	return &Store{
		roomID:    roomID,
		index:     make(map[int64]int),
		listeners: make(map[uint64]func(Event)),
	}
}

// RoomID 聊天室 ID
func (s *Store) RoomID() int64 {
	return s.roomID
}

// MergeHistory 合并一页历史
func (s *Store) MergeHistory(page []model.Message) {
	s.mu.Lock()
	s.messages = MergeHistory(s.messages, s.filter(page))
	s.reindexLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventMerged})
}

// ApplyLive 插入一条实时推送的消息
// 已存在相同 ID 时为空操作并返回 false
func (s *Store) ApplyLive(m model.Message) bool {
	if !s.accepts(m) {
		return false
	}

	s.mu.Lock()
	if _, ok := s.index[m.ID]; ok {
		s.mu.Unlock()
		return false
	}
	// 通常追加在末尾，迟到的消息插入到对应位置
	pos := sort.Search(len(s.messages), func(i int) bool {
		return m.Before(s.messages[i])
	})
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	s.reindexLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventAppended, Message: m})
	return true
}

// ApplyReadReceipt 应用已读回执
// 本地不存在该消息时为空操作；ReadAt 只前进，不会回退或清空
func (s *Store) ApplyReadReceipt(r model.ReadReceipt) bool {
	s.mu.Lock()
	i, ok := s.index[r.MessageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	before := s.messages[i].ReadAt
	updated := advanceRead(s.messages[i], r.ReadAt)
	if updated.ReadAt.Equal(before) {
		s.mu.Unlock()
		return false
	}
	s.messages[i] = updated
	s.mu.Unlock()

	s.emit(Event{Kind: EventRead, Message: updated})
	return true
}

// Remove 外部删除导致的失效
func (s *Store) Remove(messageID int64) bool {
	s.mu.Lock()
	i, ok := s.index[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	removed := s.messages[i]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	s.reindexLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: EventRemoved, Message: removed})
	return true
}

// Messages 有序快照
func (s *Store) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}

// Get 按 ID 查询
func (s *Store) Get(id int64) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return model.Message{}, false
	}
	return s.messages[i], true
}

// Len 消息数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// UnreadFrom 他人发送给 user 的未读消息，按顺序
func (s *Store) UnreadFrom(user int64) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, m := range s.messages {
		if m.UnreadFor(user) {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe 订阅变更，返回取消函数
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) emit(e Event) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// accepts 丢弃无效或不属于本聊天室的消息
func (s *Store) accepts(m model.Message) bool {
	if m.ID <= 0 {
		return false
	}
	return s.roomID == 0 || m.RoomID == 0 || m.RoomID == s.roomID
}

func (s *Store) filter(page []model.Message) []model.Message {
	out := make([]model.Message, 0, len(page))
	for _, m := range page {
		if s.accepts(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) reindexLocked() {
	clear(s.index)
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}
