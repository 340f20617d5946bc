package stomp

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// writeBufferSize 单帧写缓冲，保证一帧只产生一次底层写入
const writeBufferSize = 64 << 10

// Session 一条已完成 CONNECT 握手的 STOMP 会话
type Session struct {
	rwc        io.ReadWriteCloser
	reader     *frame.Reader
	writeMu    sync.Mutex
	writer     *frame.Writer
	outgoing   time.Duration
	incoming   time.Duration
	onActivity func()
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ connection.Transport = (*Session)(nil)

type subscription struct {
	s           *Session
	id          string
	destination string
	handler     func([]byte)
	once        sync.Once
}

// newSession 握手完成后创建会话并启动读协程
func newSession(rwc io.ReadWriteCloser, reader *frame.Reader, writer *frame.Writer, outgoing, incoming time.Duration, onActivity func(), logger *slog.Logger) *Session {
	if onActivity == nil {
		onActivity = func() {}
	}
	s := &Session{
		rwc:        rwc,
		reader:     reader,
		writer:     writer,
		outgoing:   outgoing,
		incoming:   incoming,
		onActivity: onActivity,
		logger:     logger,
		subs:       make(map[string]*subscription),
		done:       make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Subscribe 实现 connection.Transport
func (s *Session) Subscribe(destination string, handler func(body []byte)) (connection.Subscription, error) {
	sub := &subscription{
		s:           s,
		id:          "sub-" + strconv.FormatUint(s.nextID.Add(1), 10),
		destination: destination,
		handler:     handler,
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return nil, chatErrors.ErrTransportClosed
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	err := s.write(frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, destination,
		frame.Ack, "auto"))
	if err != nil {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		return nil, err
	}

	s.logger.Debug("Subscribed", "destination", destination, "id", sub.id)
	return sub, nil
}

// Unsubscribe 实现 connection.Subscription
// 会话已关闭时视为成功
func (sub *subscription) Unsubscribe() error {
	var err error
	sub.once.Do(func() {
		s := sub.s
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()

		if s.closed() {
			return
		}
		err = s.write(frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id))
	})
	return err
}

// Send 实现 connection.Transport
func (s *Session) Send(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)))
	f.Body = body
	return s.write(f)
}

// Heartbeat 实现 connection.Transport
func (s *Session) Heartbeat() error {
	return s.write(nil)
}

// HeartbeatIntervals 实现 connection.Transport
func (s *Session) HeartbeatIntervals() (time.Duration, time.Duration) {
	return s.outgoing, s.incoming
}

// Done 实现 connection.Transport
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 实现 connection.Transport
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close 发送 DISCONNECT 后关闭底层连接
func (s *Session) Close() error {
	if !s.closed() {
		if err := s.write(frame.New(frame.DISCONNECT)); err != nil {
			s.logger.Debug("Disconnect frame not sent", "error", err)
		}
	}
	s.closeWith(chatErrors.ErrTransportClosed)
	return nil
}

func (s *Session) write(f *frame.Frame) error {
	if s.closed() {
		return chatErrors.ErrTransportClosed
	}

	s.writeMu.Lock()
	err := s.writer.Write(f)
	s.writeMu.Unlock()

	if err != nil {
		s.closeWith(chatErrors.ErrTransportClosed.Wrap(err))
		return chatErrors.ErrTransportClosed.Wrap(err)
	}
	return nil
}

// readLoop 读取服务端帧，按订阅 ID 分发
func (s *Session) readLoop() {
	for {
		f, err := s.reader.Read()
		if err != nil {
			s.closeWith(err)
			return
		}
		s.onActivity()

		if f == nil {
			// 心跳
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			s.dispatch(f)
		case frame.ERROR:
			msg := f.Header.Get(frame.Message)
			s.logger.Warn("Server error frame", "message", msg, "body", string(f.Body))
			s.closeWith(fmt.Errorf("stomp error: %s", msg))
			return
		case frame.RECEIPT:
		default:
			s.logger.Debug("Unexpected frame", "command", f.Command)
		}
	}
}

func (s *Session) dispatch(f *frame.Frame) {
	id := f.Header.Get(frame.Subscription)

	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()

	if !ok {
		// 退订后仍在途的帧
		s.logger.Debug("Frame for unknown subscription dropped",
			"subscription", id,
			"destination", f.Header.Get(frame.Destination))
		return
	}
	sub.handler(f.Body)
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		s.rwc.Close()
	})
}

// negotiateHeartbeat 按 STOMP 1.2 规则协商心跳
// 一方为 0 即禁用，否则取双方较大值
func negotiateHeartbeat(clientOut, clientIn time.Duration, server string) (outgoing, incoming time.Duration, err error) {
	if server == "" {
		return 0, 0, nil
	}
	sx, sy, err := parseHeartbeat(server)
	if err != nil {
		return 0, 0, err
	}
	if clientOut > 0 && sy > 0 {
		outgoing = max(clientOut, sy)
	}
	if clientIn > 0 && sx > 0 {
		incoming = max(clientIn, sx)
	}
	return outgoing, incoming, nil
}

func parseHeartbeat(value string) (time.Duration, time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(value), ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	x, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q: %w", value, err)
	}
	y, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat %q: %w", value, err)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

func formatHeartbeat(outgoing, incoming time.Duration) string {
	return strconv.FormatInt(outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(incoming.Milliseconds(), 10)
}
