// Package connectiontest 提供内存版 Transport/Dialer，用于不依赖网络的测试
package connectiontest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("connectiontest: transport closed")

// Frame 记录一次发送
type Frame struct {
	Destination string
	Body        []byte
}

// Transport 内存传输
type Transport struct {
	mu           sync.Mutex
	subs         map[string][]*Sub
	sent         []Frame
	beats        int
	subscribeErr map[string]error
	onActivity   func()
	outgoing     time.Duration
	incoming     time.Duration

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewTransport 创建内存传输
func NewTransport(outgoing, incoming time.Duration, onActivity func()) *Transport {
	if onActivity == nil {
		onActivity = func() {}
	}
	return &Transport{
		subs:         make(map[string][]*Sub),
		subscribeErr: make(map[string]error),
		onActivity:   onActivity,
		outgoing:     outgoing,
		incoming:     incoming,
		done:         make(chan struct{}),
	}
}

// Sub 活动订阅
type Sub struct {
	t           *Transport
	destination string
	handler     func([]byte)
	active      bool
}

// Unsubscribe 实现 connection.Subscription
func (s *Sub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	if !s.active {
		return nil
	}
	s.active = false
	subs := s.t.subs[s.destination]
	for i, other := range subs {
		if other == s {
			s.t.subs[s.destination] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.t.subs[s.destination]) == 0 {
		delete(s.t.subs, s.destination)
	}
	return nil
}

// FailSubscribe 让指定目的地的订阅失败
func (t *Transport) FailSubscribe(destination string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeErr[destination] = err
}

// Subscribe 实现 connection.Transport
func (t *Transport) Subscribe(destination string, handler func(body []byte)) (connection.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedLocked() {
		return nil, ErrClosed
	}
	if err := t.subscribeErr[destination]; err != nil {
		return nil, err
	}
	s := &Sub{t: t, destination: destination, handler: handler, active: true}
	t.subs[destination] = append(t.subs[destination], s)
	return s, nil
}

// Send 实现 connection.Transport
func (t *Transport) Send(destination string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedLocked() {
		return ErrClosed
	}
	t.sent = append(t.sent, Frame{Destination: destination, Body: append([]byte(nil), body...)})
	return nil
}

// Heartbeat 实现 connection.Transport
func (t *Transport) Heartbeat() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedLocked() {
		return ErrClosed
	}
	t.beats++
	return nil
}

// HeartbeatIntervals 实现 connection.Transport
func (t *Transport) HeartbeatIntervals() (time.Duration, time.Duration) {
	return t.outgoing, t.incoming
}

// Done 实现 connection.Transport
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err 实现 connection.Transport
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close 实现 connection.Transport
func (t *Transport) Close() error {
	t.Drop(ErrClosed)
	return nil
}

// Drop 模拟网络断开
func (t *Transport) Drop(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// Deliver 模拟服务端推送一帧，返回收到该帧的订阅数
func (t *Transport) Deliver(destination string, body []byte) int {
	t.mu.Lock()
	subs := append([]*Sub(nil), t.subs[destination]...)
	t.mu.Unlock()

	t.onActivity()
	for _, s := range subs {
		s.handler(body)
	}
	return len(subs)
}

// Activity 模拟一次入站心跳
func (t *Transport) Activity() {
	t.onActivity()
}

// Subscribed 目的地上的活动订阅数
func (t *Transport) Subscribed(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[destination])
}

// Destinations 所有活动订阅的目的地
func (t *Transport) Destinations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.subs))
	for d := range t.subs {
		out = append(out, d)
	}
	return out
}

// Sent 已发送的帧
func (t *Transport) Sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.sent...)
}

// Beats 已发送的心跳数
func (t *Transport) Beats() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beats
}

func (t *Transport) closedLocked() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Dialer 可编排的内存 Dialer
type Dialer struct {
	mu         sync.Mutex
	failNext   int
	failAlways bool
	dials      int
	transports []*Transport
	block      chan struct{}

	Outgoing time.Duration
	Incoming time.Duration
}

// NewDialer 创建 Dialer
func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext 接下来 n 次 Dial 失败
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// FailAlways 之后的 Dial 全部失败
func (d *Dialer) FailAlways() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlways = true
}

// Block 让 Dial 阻塞，直到返回的函数被调用
func (d *Dialer) Block() (release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan struct{})
	d.block = ch
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// Dial 实现 connection.Dialer
func (d *Dialer) Dial(ctx context.Context, onActivity func()) (connection.Transport, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAlways || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, errors.New("connectiontest: dial refused")
	}
	t := NewTransport(d.Outgoing, d.Incoming, onActivity)
	d.transports = append(d.transports, t)
	return t, nil
}

// Dials Dial 调用次数
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last 最近一次成功建立的 Transport
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// Transports 所有成功建立的 Transport
func (d *Dialer) Transports() []*Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Transport(nil), d.transports...)
}

// WaitFor 轮询等待条件成立
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
