package channel

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is one live WebSocket connection. The read side belongs to the run
// loop; writes come from any goroutine and are serialized above this layer.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn. Injected so tests and script mode can run the full
// protocol without a server.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

type wsDialer struct{}

// NewDialer returns the production WebSocket dialer.
func NewDialer() Dialer { return wsDialer{} }

func (wsDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	// speak-audio frames carry whole MP3 clips; the 32 KiB default is far
	// too small for them.
	c.SetReadLimit(16 << 20)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) WriteMessage(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
