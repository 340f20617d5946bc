package stomp

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// WebTransportOpener 通过 WebTransport 双向流承载 STOMP
func WebTransportOpener(url string, header http.Header, insecureSkipVerify bool) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := &webtransport.Dialer{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: insecureSkipVerify,
				NextProtos:         []string{"h3"},
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				EnableDatagrams: true,
			},
		}

		_, sess, err := dialer.Dial(ctx, url, header)
		if err != nil {
			return nil, err
		}

		stream, err := sess.OpenStreamSync(ctx)
		if err != nil {
			sess.CloseWithError(0, "open stream failed")
			return nil, err
		}
		return &wtConn{ReadWriteCloser: stream, sess: sess}, nil
	}
}

// wtConn 关闭时同时结束流与会话
type wtConn struct {
	io.ReadWriteCloser
	sess *webtransport.Session
}

func (c *wtConn) Close() error {
	err := c.ReadWriteCloser.Close()
	c.sess.CloseWithError(0, "connection closed")
	return err
}
