package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/anchor"
	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	"github.com/yourjinKR/myFitSync-sub000/internal/connection/connectiontest"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
	"github.com/yourjinKR/myFitSync-sub000/internal/protocol"
	"github.com/yourjinKR/myFitSync-sub000/internal/retry"
	"github.com/yourjinKR/myFitSync-sub000/internal/store"
)

const (
	roomID int64 = 5
	me     int64 = 7
	peer   int64 = 9
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	mu    sync.Mutex
	page  []model.Message
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (h *fakeHistory) Messages(ctx context.Context, room int64, page, size int) ([]model.Message, error) {
	h.calls.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Message(nil), h.page...), h.err
}

func newTestClient(t *testing.T, history HistorySource) (*Client, *connectiontest.Dialer) {
	t.Helper()
	d := connectiontest.NewDialer()
	c, err := New(Options{
		Dialer: d,
		Connection: connection.Config{
			ConnectTimeout: time.Second,
			Backoff:        retry.Exponential(5, time.Millisecond, 10*time.Millisecond),
		},
		Identity: protocol.IdentityFunc(func() (int64, error) { return me, nil }),
		History:  history,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c, d
}

func startConnected(t *testing.T, c *Client, d *connectiontest.Dialer) *connectiontest.Transport {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !connectiontest.WaitFor(time.Second, func() bool { return c.State() == connection.StateConnected }) {
		t.Fatalf("state = %v, want connected", c.State())
	}
	return d.Last()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !connectiontest.WaitFor(time.Second, cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func msg(id, sender int64, offset time.Duration, read bool) model.Message {
	receiver := peer
	if sender == peer {
		receiver = me
	}
	m := model.Message{
		ID:         id,
		RoomID:     roomID,
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       fmt.Sprintf("m%d", id),
		Kind:       model.KindText,
		SentAt:     base.Add(offset),
	}
	if read {
		m.ReadAt = m.SentAt.Add(time.Second)
	}
	return m
}

func push(m model.Message) []byte {
	return []byte(fmt.Sprintf(
		`{"message_idx":%d,"room_idx":%d,"sender_idx":%d,"receiver_idx":%d,"message_content":%q,"message_type":%q,"message_senddate":%d}`,
		m.ID, m.RoomID, m.SenderID, m.ReceiverID, m.Body, m.Kind, m.SentAt.UnixMilli()))
}

func readFrames(t *testing.T, tr *connectiontest.Transport) []protocol.ReadFrame {
	t.Helper()
	var out []protocol.ReadFrame
	for _, f := range tr.Sent() {
		if f.Destination != protocol.DestinationRead {
			continue
		}
		var rf protocol.ReadFrame
		if err := json.Unmarshal(f.Body, &rf); err != nil {
			t.Fatalf("decode read frame: %v", err)
		}
		out = append(out, rf)
	}
	return out
}

func readIDs(t *testing.T, tr *connectiontest.Transport) []int64 {
	t.Helper()
	var ids []int64
	for _, rf := range readFrames(t, tr) {
		ids = append(ids, rf.MessageID)
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, chatErrors.ErrInvalidArgument) {
		t.Errorf("New(empty) error = %v, want ErrInvalidArgument", err)
	}
}

func TestClient_SendRequiresConnection(t *testing.T) {
	c, d := newTestClient(t, nil)

	_, err := c.Send(roomID, peer, "hi", model.KindText)
	if !errors.Is(err, chatErrors.ErrNotConnected) || !chatErrors.IsPrecondition(err) {
		t.Fatalf("Send() before connect error = %v, want ErrNotConnected", err)
	}

	tr := startConnected(t, c, d)
	out, err := c.Send(roomID, peer, "hi", model.KindText)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := tr.Sent()
	if len(sent) != 1 || sent[0].Destination != protocol.DestinationSend {
		t.Fatalf("sent = %+v", sent)
	}
	var frame protocol.SendFrame
	if err := json.Unmarshal(sent[0].Body, &frame); err != nil {
		t.Fatalf("decode send frame: %v", err)
	}
	if frame.SenderID != me || frame.RoomID != roomID || frame.ClientNonce != out.Nonce() {
		t.Errorf("frame = %+v, nonce %q", frame, out.Nonce())
	}
}

func TestClient_SendWithoutIdentity(t *testing.T) {
	d := connectiontest.NewDialer()
	c, err := New(Options{
		Dialer:   d,
		Identity: protocol.IdentityFunc(func() (int64, error) { return 0, chatErrors.ErrIdentityUnresolved }),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	tr := startConnected(t, c, d)

	if _, err := c.Send(roomID, peer, "hi", model.KindText); !errors.Is(err, chatErrors.ErrIdentityUnresolved) {
		t.Errorf("Send() error = %v, want ErrIdentityUnresolved", err)
	}
	if _, err := c.OpenRoom(context.Background(), roomID); !errors.Is(err, chatErrors.ErrIdentityUnresolved) {
		t.Errorf("OpenRoom() error = %v, want ErrIdentityUnresolved", err)
	}
	if n := len(tr.Sent()); n != 0 {
		t.Errorf("sent %d frames without identity", n)
	}
}

func TestClient_SubscribeToRoom(t *testing.T) {
	c, d := newTestClient(t, nil)
	tr := startConnected(t, c, d)

	var (
		mu       sync.Mutex
		messages []int64
		receipts []int64
	)
	unsubscribe, err := c.SubscribeToRoom(roomID, Handlers{
		OnMessage: func(m model.Message) {
			mu.Lock()
			messages = append(messages, m.ID)
			mu.Unlock()
		},
		OnReadReceipt: func(r model.ReadReceipt) {
			mu.Lock()
			receipts = append(receipts, r.MessageID)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("SubscribeToRoom() error = %v", err)
	}
	if got := c.Subscriptions(); got != 2 {
		t.Fatalf("Subscriptions() = %d, want 2", got)
	}

	m := msg(42, peer, 0, false)
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(m))
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(m))
	tr.Deliver(protocol.BuildRoomTopic(roomID), []byte(`{not json`))
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(43, peer, time.Second, false)))
	tr.Deliver(protocol.BuildRoomReadTopic(roomID), []byte(`{"message_idx":42,"receiver_idx":9}`))

	waitFor(t, "handlers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2 && len(receipts) == 1
	})
	mu.Lock()
	if !equalIDs(messages, []int64{42, 43}) {
		t.Errorf("messages = %v, want [42 43] (duplicate and malformed dropped)", messages)
	}
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	if got := c.Subscriptions(); got != 0 {
		t.Errorf("Subscriptions() after unsubscribe = %d, want 0", got)
	}
	if n := tr.Subscribed(protocol.BuildRoomTopic(roomID)); n != 0 {
		t.Errorf("transport still has %d subscriptions", n)
	}

	if _, err := c.SubscribeToRoom(0, Handlers{}); !errors.Is(err, chatErrors.ErrInvalidArgument) {
		t.Errorf("SubscribeToRoom(0) error = %v, want ErrInvalidArgument", err)
	}
}

func TestClient_MarkReadSuppressesRepeats(t *testing.T) {
	c, d := newTestClient(t, nil)
	ctx := context.Background()

	if err := c.MarkRead(ctx, roomID, 42); !errors.Is(err, chatErrors.ErrNotConnected) {
		t.Fatalf("MarkRead() before connect error = %v, want ErrNotConnected", err)
	}

	tr := startConnected(t, c, d)
	for i := 0; i < 3; i++ {
		if err := c.MarkRead(ctx, roomID, 42); err != nil {
			t.Fatalf("MarkRead() error = %v", err)
		}
	}
	if err := c.MarkRead(ctx, roomID, 43); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	frames := readFrames(t, tr)
	if len(frames) != 2 {
		t.Fatalf("read frames = %+v, want 2", frames)
	}
	if frames[0].MessageID != 42 || frames[0].ReaderID != me || frames[0].RoomID != roomID {
		t.Errorf("frames[0] = %+v", frames[0])
	}
}

func TestClient_MarkReadRetriesAfterPublishFailure(t *testing.T) {
	c, d := newTestClient(t, nil)
	first := startConnected(t, c, d)
	ctx := context.Background()

	// 断线与状态切换存在竞争：发布可能失败、被拒绝或落在新连接上
	first.Drop(errors.New("reset"))
	_ = c.MarkRead(ctx, roomID, 42)

	waitFor(t, "reconnect", func() bool { return d.Last() != first && c.State() == connection.StateConnected })
	if err := c.MarkRead(ctx, roomID, 42); err != nil {
		t.Fatalf("MarkRead() after reconnect error = %v", err)
	}

	var total []int64
	for _, tr := range d.Transports() {
		total = append(total, readIDs(t, tr)...)
	}
	if !equalIDs(total, []int64{42}) {
		t.Errorf("read frames across connections = %v, want exactly [42]", total)
	}
}

func TestRoom_OpenFixesAnchor(t *testing.T) {
	history := &fakeHistory{page: []model.Message{
		msg(3, peer, 3*time.Second, false),
		msg(1, me, time.Second, true),
		msg(2, peer, 2*time.Second, false),
	}}
	c, d := newTestClient(t, history)
	tr := startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}

	got := r.Messages()
	if len(got) != 3 || got[0].ID != 1 || got[2].ID != 3 {
		t.Fatalf("Messages() = %+v", got)
	}

	// 之后到达的更早消息不改变已固定的目标
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(10, peer, 0, false)))
	waitFor(t, "late message", func() bool { return len(r.Messages()) == 4 })

	d1, ok := r.Decision()
	if !ok {
		t.Fatal("Decision() not available")
	}
	if d1.AtBottom || d1.TargetID != 2 || !equalIDs(d1.Unread, []int64{2, 3}) {
		t.Errorf("Decision() = %+v, want target 2 unread [2 3]", d1)
	}
	if _, ok := r.Decision(); ok {
		t.Error("Decision() taken twice")
	}
	if r.Messages()[0].ID != 10 {
		t.Errorf("late message not ordered first: %+v", r.Messages()[0])
	}
}

func TestRoom_OpenAtBottomWhenAllRead(t *testing.T) {
	history := &fakeHistory{page: []model.Message{
		msg(1, peer, time.Second, true),
		msg(2, me, 2*time.Second, false),
	}}
	c, d := newTestClient(t, history)
	startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}
	dec, _ := r.Decision()
	if !dec.AtBottom {
		t.Errorf("Decision() = %+v, want at bottom", dec)
	}
}

func TestRoom_LivePushDuringHistoryFetch(t *testing.T) {
	history := &fakeHistory{
		page: []model.Message{
			msg(1, peer, time.Second, true),
			msg(2, peer, 2*time.Second, false),
		},
		gate: make(chan struct{}),
	}
	c, d := newTestClient(t, history)
	tr := startConnected(t, c, d)

	type result struct {
		r   *Room
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.OpenRoom(context.Background(), roomID)
		done <- result{r, err}
	}()

	waitFor(t, "subscriptions", func() bool { return tr.Subscribed(protocol.BuildRoomTopic(roomID)) == 1 })
	// 同一条消息既通过推送到达又出现在历史中
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(2, peer, 2*time.Second, false)))
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(3, peer, 3*time.Second, false)))
	close(history.gate)

	res := <-done
	if res.err != nil {
		t.Fatalf("OpenRoom() error = %v", res.err)
	}
	var ids []int64
	for _, m := range res.r.Messages() {
		ids = append(ids, m.ID)
	}
	if !equalIDs(ids, []int64{1, 2, 3}) {
		t.Errorf("Messages() ids = %v, want [1 2 3]", ids)
	}
}

func TestRoom_OpenHistoryFailure(t *testing.T) {
	history := &fakeHistory{err: chatErrors.ErrRequestFailed}
	c, d := newTestClient(t, history)
	tr := startConnected(t, c, d)

	if _, err := c.OpenRoom(context.Background(), roomID); !errors.Is(err, chatErrors.ErrRequestFailed) {
		t.Fatalf("OpenRoom() error = %v, want ErrRequestFailed", err)
	}
	if c.Subscriptions() != 0 || tr.Subscribed(protocol.BuildRoomTopic(roomID)) != 0 {
		t.Error("failed OpenRoom left subscriptions behind")
	}
}

func TestRoom_ClientCloseDuringOpen(t *testing.T) {
	history := &fakeHistory{gate: make(chan struct{})}
	c, d := newTestClient(t, history)
	startConnected(t, c, d)

	done := make(chan error, 1)
	go func() {
		_, err := c.OpenRoom(context.Background(), roomID)
		done <- err
	}()

	waitFor(t, "history request", func() bool { return history.calls.Load() == 1 })
	c.Close()
	close(history.gate)

	if err := <-done; !errors.Is(err, chatErrors.ErrShuttingDown) {
		t.Errorf("OpenRoom() error = %v, want ErrShuttingDown", err)
	}
	if c.Subscriptions() != 0 {
		t.Errorf("Subscriptions() = %d, want 0", c.Subscriptions())
	}
}

type fakeAnchorer struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAnchorer) record(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, s)
}

func (a *fakeAnchorer) Compute(ctx context.Context, id int64) error {
	a.record(fmt.Sprintf("compute:%d", id))
	return nil
}

func (a *fakeAnchorer) CorrectAfterSettle(ctx context.Context, id int64) error {
	a.record(fmt.Sprintf("correct:%d", id))
	return nil
}

func (a *fakeAnchorer) Validate(ctx context.Context, id int64) error {
	a.record(fmt.Sprintf("validate:%d", id))
	return nil
}

func (a *fakeAnchorer) ScrollToBottom() {
	a.record("bottom")
}

var _ anchor.ViewportAnchorer = (*fakeAnchorer)(nil)

func TestRoom_PositionConfirmsReadsAfterSettle(t *testing.T) {
	history := &fakeHistory{page: []model.Message{
		msg(1, me, time.Second, true),
		msg(2, peer, 2*time.Second, false),
		msg(3, peer, 3*time.Second, false),
	}}
	c, d := newTestClient(t, history)
	tr := startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}

	// 定位完成前到达的消息只排队，不确认已读
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(4, peer, 4*time.Second, false)))
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(5, me, 5*time.Second, false)))
	waitFor(t, "live messages", func() bool { return len(r.Messages()) == 5 })
	if got := readIDs(t, tr); len(got) != 0 {
		t.Fatalf("read frames before settle = %v", got)
	}
	if r.Settled() {
		t.Fatal("Settled() before Position")
	}

	a := &fakeAnchorer{}
	res, err := r.Position(context.Background(), a)
	if err != nil {
		t.Fatalf("Position() error = %v", err)
	}
	if res.FellBack || res.Decision.TargetID != 2 {
		t.Errorf("Position() = %+v", res)
	}
	wantCalls := []string{"compute:2", "correct:2", "validate:2"}
	if fmt.Sprint(a.calls) != fmt.Sprint(wantCalls) {
		t.Errorf("anchorer calls = %v, want %v", a.calls, wantCalls)
	}
	if got := readIDs(t, tr); !equalIDs(got, []int64{2, 3, 4}) {
		t.Fatalf("read frames after settle = %v, want [2 3 4]", got)
	}

	// 定位完成后，他人的新消息自动确认
	tr.Deliver(protocol.BuildRoomTopic(roomID), push(msg(6, peer, 6*time.Second, false)))
	waitFor(t, "auto read", func() bool { return len(readIDs(t, tr)) == 4 })
	if got := readIDs(t, tr); got[3] != 6 {
		t.Errorf("read frames = %v, want 6 last", got)
	}

	// 第二次定位不会重复确认
	if _, err := r.Position(context.Background(), a); err != nil {
		t.Fatalf("second Position() error = %v", err)
	}
	if got := readIDs(t, tr); len(got) != 4 {
		t.Errorf("read frames after second Position = %v", got)
	}
}

func TestRoom_ReceiptsAndDeletions(t *testing.T) {
	history := &fakeHistory{page: []model.Message{
		msg(1, me, time.Second, false),
		msg(2, me, 2*time.Second, false),
	}}
	c, d := newTestClient(t, history)
	tr := startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}

	var (
		mu     sync.Mutex
		events []store.EventKind
	)
	cancel := r.Events(func(e store.Event) {
		mu.Lock()
		events = append(events, e.Kind)
		mu.Unlock()
	})
	defer cancel()

	tr.Deliver(protocol.BuildRoomReadTopic(roomID), []byte(`{"message_idx":1,"receiver_idx":9}`))
	tr.Deliver(protocol.BuildRoomReadTopic(roomID), []byte(`{"message_idx":99,"receiver_idx":9}`))
	tr.Deliver(protocol.BuildRoomDeleteTopic(roomID), []byte(`{"type":"message_deleted","room_idx":5,"message_idx":2,"deleted_by":7}`))

	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	if events[0] != store.EventRead || events[1] != store.EventRemoved {
		t.Errorf("events = %v, want [read removed]", events)
	}
	mu.Unlock()

	got := r.Messages()
	if len(got) != 1 || got[0].ID != 1 || !got[0].IsRead() {
		t.Errorf("Messages() = %+v, want only message 1 read", got)
	}
}

func TestRoom_ReconnectRestoresSubscriptions(t *testing.T) {
	history := &fakeHistory{page: []model.Message{msg(1, peer, time.Second, true)}}
	c, d := newTestClient(t, history)
	first := startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}

	first.Drop(errors.New("network down"))
	waitFor(t, "reconnect", func() bool {
		last := d.Last()
		return last != first && c.State() == connection.StateConnected &&
			last.Subscribed(protocol.BuildRoomTopic(roomID)) == 1
	})
	second := d.Last()

	for _, dest := range []string{
		protocol.BuildRoomTopic(roomID),
		protocol.BuildRoomReadTopic(roomID),
		protocol.BuildRoomDeleteTopic(roomID),
	} {
		if n := second.Subscribed(dest); n != 1 {
			t.Errorf("%s subscriptions after reconnect = %d, want 1", dest, n)
		}
	}

	if n := second.Deliver(protocol.BuildRoomTopic(roomID), push(msg(2, peer, 2*time.Second, true))); n != 1 {
		t.Fatalf("Deliver() receivers = %d, want 1", n)
	}
	waitFor(t, "message after reconnect", func() bool { return len(r.Messages()) == 2 })
}

func TestRoom_CloseKeepsConnection(t *testing.T) {
	c, d := newTestClient(t, &fakeHistory{})
	tr := startConnected(t, c, d)

	r, err := c.OpenRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}
	if c.Subscriptions() != 3 {
		t.Fatalf("Subscriptions() = %d, want 3", c.Subscriptions())
	}

	r.Close()
	r.Close()

	if c.Subscriptions() != 0 {
		t.Errorf("Subscriptions() after close = %d, want 0", c.Subscriptions())
	}
	if len(tr.Destinations()) != 0 {
		t.Errorf("transport destinations = %v, want none", tr.Destinations())
	}
	if c.State() != connection.StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
}

func TestClient_Close(t *testing.T) {
	c, d := newTestClient(t, &fakeHistory{})
	startConnected(t, c, d)

	if _, err := c.OpenRoom(context.Background(), roomID); err != nil {
		t.Fatalf("OpenRoom() error = %v", err)
	}

	var states []connection.State
	var mu sync.Mutex
	c.OnStateChange(func(s connection.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Close()
	c.Close()

	if c.State() != connection.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if c.Subscriptions() != 0 {
		t.Errorf("Subscriptions() = %d, want 0", c.Subscriptions())
	}
	if _, err := c.Send(roomID, peer, "x", model.KindText); !errors.Is(err, chatErrors.ErrNotConnected) {
		t.Errorf("Send() after Close error = %v, want ErrNotConnected", err)
	}
	if _, err := c.OpenRoom(context.Background(), roomID); !errors.Is(err, chatErrors.ErrShuttingDown) {
		t.Errorf("OpenRoom() after Close error = %v, want ErrShuttingDown", err)
	}
	if err := c.Start(); !errors.Is(err, chatErrors.ErrShuttingDown) {
		t.Errorf("Start() after Close error = %v, want ErrShuttingDown", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 || states[len(states)-1] != connection.StateDisconnected {
		t.Errorf("state changes = %v, want ending in disconnected", states)
	}
}
