package store

import (
	"sort"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// MergeHistory 把拉取到的一页历史合并进现有集合
// 按 ID 合并；ID 冲突时只吸收单调安全的字段（ReadAt 只前进），结果按 (SentAt, ID) 排序。
// 无效条目（ID<=0）被丢弃，不返回错误
func MergeHistory(existing, fetched []model.Message) []model.Message {
	byID := make(map[int64]int, len(existing)+len(fetched))
	out := make([]model.Message, 0, len(existing)+len(fetched))

	absorb := func(m model.Message) {
		if m.ID <= 0 {
			return
		}
		if i, ok := byID[m.ID]; ok {
			out[i] = advanceRead(out[i], m.ReadAt)
			return
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}

	for _, m := range existing {
		absorb(m)
	}
	for _, m := range fetched {
		absorb(m)
	}

	sortMessages(out)
	return out
}

// advanceRead ReadAt 只能从零值前进到更晚的时间
func advanceRead(m model.Message, readAt time.Time) model.Message {
	if readAt.IsZero() {
		return m
	}
	if m.ReadAt.IsZero() || readAt.After(m.ReadAt) {
		m.ReadAt = readAt
	}
	return m
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
