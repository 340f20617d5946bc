package stomp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/yourjinKR/myFitSync-sub000/internal/connection"
	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

// Opener 打开一条承载 STOMP 字节流的底层连接
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// Options CONNECT 握手参数
type Options struct {
	Host              string
	Headers           map[string]string
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// Token 非空时以 Authorization: Bearer 头发送
	Token func() string
}

// Dialer STOMP 拨号器，实现 connection.Dialer
type Dialer struct {
	open   Opener
	opts   Options
	logger *slog.Logger
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer 创建拨号器
func NewDialer(open Opener, opts Options, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		open:   open,
		opts:   opts,
		logger: logger.With("component", "stomp"),
	}
}

type handshakeResult struct {
	connected *frame.Frame
	err       error
}

// Dial 打开底层连接并完成 CONNECT/CONNECTED 握手
func (d *Dialer) Dial(ctx context.Context, onActivity func()) (connection.Transport, error) {
	rwc, err := d.open(ctx)
	if err != nil {
		return nil, chatErrors.ErrDialFailed.Wrap(err)
	}

	reader := frame.NewReader(rwc)
	writer := frame.NewWriterSize(rwc, writeBufferSize)

	result := make(chan handshakeResult, 1)
	go func() {
		f, err := d.handshake(reader, writer)
		result <- handshakeResult{connected: f, err: err}
	}()

	var res handshakeResult
	select {
	case res = <-result:
	case <-ctx.Done():
		rwc.Close()
		return nil, chatErrors.ErrDialFailed.Wrap(ctx.Err())
	}
	if res.err != nil {
		rwc.Close()
		return nil, chatErrors.ErrDialFailed.Wrap(res.err)
	}

	outgoing, incoming, err := negotiateHeartbeat(d.opts.HeartbeatOutgoing, d.opts.HeartbeatIncoming,
		res.connected.Header.Get(frame.HeartBeat))
	if err != nil {
		rwc.Close()
		return nil, chatErrors.ErrDialFailed.Wrap(err)
	}

	d.logger.Debug("STOMP session established",
		"version", res.connected.Header.Get(frame.Version),
		"server", res.connected.Header.Get(frame.Server),
		"heartbeat_outgoing", outgoing,
		"heartbeat_incoming", incoming)

	return newSession(rwc, reader, writer, outgoing, incoming, onActivity, d.logger), nil
}

func (d *Dialer) handshake(reader *frame.Reader, writer *frame.Writer) (*frame.Frame, error) {
	if err := writer.Write(d.connectFrame()); err != nil {
		return nil, err
	}

	for {
		f, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			return f, nil
		case frame.ERROR:
			return nil, fmt.Errorf("connect rejected: %s", f.Header.Get(frame.Message))
		default:
			return nil, fmt.Errorf("unexpected %s frame during connect", f.Command)
		}
	}
}

func (d *Dialer) connectFrame() *frame.Frame {
	host := d.opts.Host
	if host == "" {
		host = "/"
	}
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.1,1.2",
		frame.Host, host,
		frame.HeartBeat, formatHeartbeat(d.opts.HeartbeatOutgoing, d.opts.HeartbeatIncoming))
	for k, v := range d.opts.Headers {
		f.Header.Set(k, v)
	}
	if d.opts.Token != nil {
		if token := d.opts.Token(); token != "" {
			f.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return f
}
