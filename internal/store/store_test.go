package store

import (
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id int64, offset time.Duration, sender int64) model.Message {
	return model.Message{
		ID:         id,
		RoomID:     1,
		SenderID:   sender,
		ReceiverID: 100,
		Body:       "m",
		Kind:       model.KindText,
		SentAt:     t0.Add(offset),
	}
}

func assertOrdered(t *testing.T, msgs []model.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Before(msgs[i-1]) {
			t.Fatalf("Order violated at %d: %d(%v) before %d(%v)",
				i, msgs[i-1].ID, msgs[i-1].SentAt, msgs[i].ID, msgs[i].SentAt)
		}
	}
}

func assertUniqueIDs(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := make(map[int64]bool)
	for _, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("Duplicate id %d", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestApplyLive_DuplicateIsNoop(t *testing.T) {
	s := New(1)

	if !s.ApplyLive(msg(42, 0, 2)) {
		t.Fatal("Expected first apply to insert")
	}
	if s.ApplyLive(msg(42, 0, 2)) {
		t.Error("Expected duplicate apply to be a no-op")
	}

	count := 0
	for _, m := range s.Messages() {
		if m.ID == 42 {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one message with id 42, got %d", count)
	}
}

func TestApplyLive_Idempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		once, twice := New(1), New(1)
		base := randomMessages(r, 10)
		for _, m := range base {
			once.ApplyLive(m)
			twice.ApplyLive(m)
		}

		extra := msg(int64(r.IntN(20)+1), time.Duration(r.IntN(60))*time.Second, 2)
		once.ApplyLive(extra)
		twice.ApplyLive(extra)
		twice.ApplyLive(extra)

		if !reflect.DeepEqual(once.Messages(), twice.Messages()) {
			t.Fatalf("Applying %d twice changed state", extra.ID)
		}
	}
}

func TestMergeHistory_Idempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 200; i++ {
		existing := randomMessages(r, 8)
		page := randomMessages(r, 8)

		once := MergeHistory(existing, page)
		twice := MergeHistory(once, page)
		if !reflect.DeepEqual(once, twice) {
			t.Fatal("Merging the same page twice changed state")
		}
	}
}

func TestMergeHistory_ReadAtOnlyMovesForward(t *testing.T) {
	read := msg(1, 0, 2)
	read.ReadAt = t0.Add(time.Minute)

	staleUnread := msg(1, 0, 2)
	got := MergeHistory([]model.Message{read}, []model.Message{staleUnread})
	if !got[0].ReadAt.Equal(read.ReadAt) {
		t.Errorf("Expected fetched unread copy not to clear readAt, got %v", got[0].ReadAt)
	}

	earlier := msg(1, 0, 2)
	earlier.ReadAt = t0
	got = MergeHistory([]model.Message{read}, []model.Message{earlier})
	if !got[0].ReadAt.Equal(read.ReadAt) {
		t.Errorf("Expected readAt not to move backward, got %v", got[0].ReadAt)
	}

	later := msg(1, 0, 2)
	later.Body = "edited on server"
	later.ReadAt = t0.Add(2 * time.Minute)
	got = MergeHistory([]model.Message{read}, []model.Message{later})
	if !got[0].ReadAt.Equal(later.ReadAt) {
		t.Errorf("Expected readAt to advance, got %v", got[0].ReadAt)
	}
	if got[0].Body != "m" {
		t.Errorf("Expected non-monotonic fields kept from existing copy, got %q", got[0].Body)
	}
}

func TestMergeHistory_DropsInvalid(t *testing.T) {
	got := MergeHistory(nil, []model.Message{msg(0, 0, 2), msg(-1, 0, 2), msg(3, 0, 2)})
	if len(got) != 1 || got[0].ID != 3 {
		t.Errorf("Expected only message 3, got %+v", got)
	}
}

func TestStore_OrderingUnderInterleaving(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))

	for round := 0; round < 100; round++ {
		s := New(1)
		for op := 0; op < 30; op++ {
			if r.IntN(3) == 0 {
				s.MergeHistory(randomMessages(r, 5))
			} else {
				s.ApplyLive(randomMessages(r, 1)[0])
			}
			msgs := s.Messages()
			assertOrdered(t, msgs)
			assertUniqueIDs(t, msgs)
		}
	}
}

func TestStore_LiveDuringHistoryFetchConverges(t *testing.T) {
	page := []model.Message{msg(1, 0, 2), msg(2, time.Second, 100), msg(3, 2*time.Second, 2)}
	live := msg(3, 2*time.Second, 2)
	late := msg(4, 3*time.Second, 2)

	a := New(1)
	a.ApplyLive(live)
	a.ApplyLive(late)
	a.MergeHistory(page)

	b := New(1)
	b.MergeHistory(page)
	b.ApplyLive(live)
	b.ApplyLive(late)

	if !reflect.DeepEqual(a.Messages(), b.Messages()) {
		t.Errorf("Expected order-independent merge\n a=%+v\n b=%+v", a.Messages(), b.Messages())
	}
	if a.Len() != 4 {
		t.Errorf("Expected 4 messages, got %d", a.Len())
	}
}

func TestApplyReadReceipt_Monotonic(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))

	for round := 0; round < 100; round++ {
		s := New(1)
		s.ApplyLive(msg(1, 0, 2))

		var latest time.Time
		for i := 0; i < 10; i++ {
			at := t0.Add(time.Duration(r.IntN(600)) * time.Second)
			if r.IntN(4) == 0 {
				at = time.Time{}
			}
			prev, _ := s.Get(1)
			s.ApplyReadReceipt(model.ReadReceipt{MessageID: 1, RoomID: 1, ReaderID: 100, ReadAt: at})
			got, _ := s.Get(1)

			if prev.IsRead() && !got.IsRead() {
				t.Fatal("readAt reset to null")
			}
			if got.ReadAt.Before(prev.ReadAt) {
				t.Fatalf("readAt moved backward: %v -> %v", prev.ReadAt, got.ReadAt)
			}
			if at.After(latest) {
				latest = at
			}
		}
		got, _ := s.Get(1)
		if !got.ReadAt.Equal(latest) {
			t.Fatalf("Expected convergence to latest receipt %v, got %v", latest, got.ReadAt)
		}
	}
}

func TestApplyReadReceipt_OrphanIgnored(t *testing.T) {
	s := New(1)
	s.ApplyLive(msg(1, 0, 2))

	if s.ApplyReadReceipt(model.ReadReceipt{MessageID: 99, ReadAt: t0}) {
		t.Error("Expected orphan receipt to be ignored")
	}
	if s.Len() != 1 {
		t.Errorf("Expected no buffering of orphan receipts, got %d messages", s.Len())
	}
	m, _ := s.Get(1)
	if m.IsRead() {
		t.Error("Expected unrelated message untouched")
	}
}

func TestStore_RemoveAndEvents(t *testing.T) {
	s := New(1)
	var events []Event
	cancel := s.Subscribe(func(e Event) {
		events = append(events, e)
	})

	s.ApplyLive(msg(1, 0, 2))
	s.ApplyLive(msg(1, 0, 2))
	s.MergeHistory([]model.Message{msg(2, time.Second, 2)})
	s.ApplyReadReceipt(model.ReadReceipt{MessageID: 1, ReadAt: t0})
	s.Remove(2)
	s.Remove(2)
	cancel()
	s.ApplyLive(msg(3, 0, 2))

	want := []EventKind{EventAppended, EventMerged, EventRead, EventRemoved}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("Event %d: expected %s, got %s", i, k, events[i].Kind)
		}
	}
	if _, ok := s.Get(2); ok {
		t.Error("Expected message 2 removed")
	}
}

func TestStore_RejectsOtherRooms(t *testing.T) {
	s := New(1)
	other := msg(5, 0, 2)
	other.RoomID = 2

	if s.ApplyLive(other) {
		t.Error("Expected message for another room to be dropped")
	}
	s.MergeHistory([]model.Message{other})
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d", s.Len())
	}
}

func TestStore_UnreadFrom(t *testing.T) {
	s := New(1)
	read := msg(1, 0, 2)
	read.ReadAt = t0
	s.MergeHistory([]model.Message{read, msg(2, time.Second, 2), msg(3, 2*time.Second, 100)})

	unread := s.UnreadFrom(100)
	if len(unread) != 1 || unread[0].ID != 2 {
		t.Errorf("Expected only message 2 unread, got %+v", unread)
	}
}

// randomMessages 生成 ID 与时间有重叠的随机消息，制造冲突
func randomMessages(r *rand.Rand, n int) []model.Message {
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		id := int64(r.IntN(20) + 1)
		// 同一 ID 的发送时间固定，模拟服务端权威数据
		m := msg(id, time.Duration(id%7)*time.Second, 2)
		if r.IntN(3) == 0 {
			m.ReadAt = t0.Add(time.Duration(r.IntN(100)) * time.Second)
		}
		out = append(out, m)
	}
	return out
}
