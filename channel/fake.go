package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// FakeDialer hands out in-memory connections. Tests and script mode use it
// to run the full protocol without a backend.
type FakeDialer struct {
	mu       sync.Mutex
	failLeft int
	failErr  error
	conns    []*FakeConn
	tokens   []string
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailNext makes the next n dials return err.
func (d *FakeDialer) FailNext(n int, err error) {
	d.mu.Lock()
	d.failLeft = n
	d.failErr = err
	d.mu.Unlock()
}

func (d *FakeDialer) Dial(_ context.Context, _ string, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.failLeft != 0 {
		if d.failLeft > 0 {
			d.failLeft--
		}
		return nil, d.failErr
	}
	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials reports how many dial attempts were made, failed ones included.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// Conns returns every connection handed out so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil before the first dial.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// LastToken returns the token presented on the most recent dial attempt.
func (d *FakeDialer) LastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) == 0 {
		return ""
	}
	return d.tokens[len(d.tokens)-1]
}

// FakeConn is one in-memory connection. The driver plays the server: it
// injects inbound frames with ServerSend and inspects outbound ones with
// Sent.
type FakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	err    error
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *FakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, f.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FakeConn) WriteMessage(_ context.Context, data []byte) error {
	select {
	case <-f.closed:
		return f.closeErr()
	default:
	}
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return nil
}

func (f *FakeConn) Close() error {
	f.shutdown(errors.New("connection closed"))
	return nil
}

// ServerSend injects one inbound event frame, as if the agent sent it.
func (f *FakeConn) ServerSend(event string, data any) error {
	buf, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case f.inbox <- buf:
		return nil
	case <-f.closed:
		return f.closeErr()
	}
}

// ServerClose drops the connection from the server side with the given
// reason, as a network failure would.
func (f *FakeConn) ServerClose(err error) {
	if err == nil {
		err = errors.New("server closed connection")
	}
	f.shutdown(err)
}

func (f *FakeConn) shutdown(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.closed)
	})
}

func (f *FakeConn) closeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Sent returns every frame written so far.
func (f *FakeConn) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// SentEvents decodes the envelopes written so far into (event, raw data)
// pairs.
func (f *FakeConn) SentEvents() ([]string, []json.RawMessage, error) {
	frames := f.Sent()
	events := make([]string, 0, len(frames))
	datas := make([]json.RawMessage, 0, len(frames))
	for _, frame := range frames {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			return nil, nil, fmt.Errorf("bad outbound frame: %w", err)
		}
		events = append(events, env.Event)
		datas = append(datas, env.Data)
	}
	return events, datas, nil
}
