package conn

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one open socket carrying text frames.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Transport to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) { return f(ctx, url) }

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit caps inbound frame size; zero keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{c: c}, nil
}

type wsTransport struct {
	c *websocket.Conn
}

// Read returns the next text frame. Binary frames are skipped.
func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.c.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "bye")
}
