package anchor

import (
	"sort"
	"sync/atomic"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// Decision 打开聊天室时的初始定位
type Decision struct {
	AtBottom bool    // 没有未读，停在底部
	TargetID int64   // 最早的未读消息
	Unread   []int64 // 打开时他人发送且未读的消息，按顺序
}

// Decide 计算初始定位
// 未读集合为空时定位到底部，否则定位到 (SentAt, ID) 最小的未读消息
func Decide(messages []model.Message, currentUser int64) Decision {
	var (
		target model.Message
		found  bool
		unread []model.Message
	)
	for _, m := range messages {
		if !m.UnreadFor(currentUser) {
			continue
		}
		unread = append(unread, m)
		if !found || m.Before(target) {
			target = m
			found = true
		}
	}

	if !found {
		return Decision{AtBottom: true}
	}

	ids := make([]int64, 0, len(unread))
	sortByOrder(unread)
	for _, m := range unread {
		ids = append(ids, m.ID)
	}
	return Decision{TargetID: target.ID, Unread: ids}
}

// Anchor 一次聊天室视图内固定不变的定位决策
// 之后新到的消息或已读变化都不会改变它
type Anchor struct {
	decision Decision
	taken    atomic.Bool
}

// NewAnchor 按打开时的消息集合计算并固定决策
func NewAnchor(messages []model.Message, currentUser int64) *Anchor {
	return &Anchor{decision: Decide(messages, currentUser)}
}

// Decision 固定的决策
func (a *Anchor) Decision() Decision {
	d := a.decision
	d.Unread = append([]int64(nil), a.decision.Unread...)
	return d
}

// Take 取出决策，每个视图只能取一次
func (a *Anchor) Take() (Decision, bool) {
	if !a.taken.CompareAndSwap(false, true) {
		return Decision{}, false
	}
	return a.Decision(), true
}

func sortByOrder(msgs []model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
