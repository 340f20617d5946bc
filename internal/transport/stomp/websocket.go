package stomp

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod 发送关闭帧的等待上限
const closeGracePeriod = time.Second

// WebSocketOpener 通过 WebSocket 承载 STOMP
// 每个 STOMP 帧写成一条文本消息
func WebSocketOpener(url string, header http.Header, tlsConfig *tls.Config) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  tlsConfig,
			Subprotocols:     []string{"v12.stomp", "v11.stomp"},
		}
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}
}

// wsConn 把 WebSocket 消息流适配为字节流
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Read 跨消息边界连续读取
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
