// Package interceptor contains the RTP interceptors of the host.
package interceptor

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Counter reports the size of every outgoing RTP packet.
type Counter struct {
	interceptor.NoOp
	fn func(mime string, n int)
}

// NewCounter makes an interceptor factory, the fn is called with the
// stream mime type and the number of written bytes.
func NewCounter(fn func(mime string, n int)) *Counter { return &Counter{fn: fn} }

func (c *Counter) NewInterceptor(_ string) (interceptor.Interceptor, error) { return c, nil }

// BindLocalStream wraps the writer of an outgoing stream.
func (c *Counter) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	mime := info.MimeType
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		n, err := writer.Write(header, payload, attributes)
		if err == nil && c.fn != nil {
			c.fn(mime, n)
		}
		return n, err
	})
}
