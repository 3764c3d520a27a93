package socket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/zulandar/marketchat/internal/credential"
)

// fakeConn is an in-memory Conn. Frames written by the manager are decoded
// and recorded; frames pushed by the test are read back by the manager.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	written []*frame.Frame
	closed  bool
	readErr error
	onWrite func(c *fakeConn, f *frame.Frame)
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return 0, nil, err
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.mu.Unlock()
	if messageType != websocket.TextMessage {
		return nil
	}
	frames, _ := decodeFrames(data)
	c.mu.Lock()
	c.written = append(c.written, frames...)
	cb := c.onWrite
	c.mu.Unlock()
	if cb != nil {
		for _, f := range frames {
			cb(c, f)
		}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.fail(net.ErrClosed)
	return nil
}

// fail closes the connection; pending and future reads return err.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	close(c.in)
}

// push queues a frame for the manager to read.
func (c *fakeConn) push(f *frame.Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		panic(err)
	}
	c.pushRaw(data)
}

func (c *fakeConn) pushRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.in <- data
}

// sent returns the recorded frames with the given command.
func (c *fakeConn) sent(command string) []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frame.Frame
	for _, f := range c.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out fakeConns that answer CONNECT.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	headers []http.Header
	errs    []error // consumed one per dial; nil entries succeed
	failAll error   // when set, every dial fails
	// reply builds the answer to the n-th CONNECT (0-based). Defaults to CONNECTED.
	reply func(n int) *frame.Frame
}

func (d *fakeDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header.Clone())
	if d.failAll != nil {
		return nil, d.failAll
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	n := len(d.conns)
	reply := d.reply
	c := newFakeConn()
	c.onWrite = func(c *fakeConn, f *frame.Frame) {
		if f.Command != frame.CONNECT {
			return
		}
		r := frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0")
		if reply != nil {
			r = reply(n)
		}
		c.push(r)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// fakeCreds is a Credentials whose token the test controls. Invalidate
// swaps in refreshed (possibly empty) and counts calls.
type fakeCreds struct {
	mu          sync.Mutex
	token       string
	refreshed   []string
	invalidated int
}

func (c *fakeCreds) Bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return "", credential.ErrAuthMissing
	}
	return c.token, nil
}

func (c *fakeCreds) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	c.token = ""
	if len(c.refreshed) > 0 {
		c.token = c.refreshed[0]
		c.refreshed = c.refreshed[1:]
	}
}

func (c *fakeCreds) set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *fakeCreds) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
