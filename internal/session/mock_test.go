package session

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/marketchat/internal/api"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/socket"
)

// fakeConn is an in-memory Connection.
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	subs       map[chat.ID]bool
	unsubs     []chat.ID
	sent       []chat.Frame
	onConnect  func()
	onError    func(error)
	onMessage  func(chat.Frame)
	owner      int
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{connected: connected, subs: map[chat.ID]bool{}}
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	if err := c.connectErr; err != nil {
		onErr := c.onError
		c.mu.Unlock()
		if onErr != nil {
			onErr(err)
		}
		return err
	}
	c.connected = true
	cb := c.onConnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) SubscribeToRoom(roomID chat.ID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ""
	}
	c.subs[roomID] = true
	return "sub-" + string(roomID)
}

func (c *fakeConn) UnsubscribeFromRoom(roomID chat.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, roomID)
	c.unsubs = append(c.unsubs, roomID)
}

func (c *fakeConn) SendMessage(f chat.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	c.sent = append(c.sent, f)
	return true
}

func (c *fakeConn) Register(h socket.Handlers) func() {
	c.mu.Lock()
	c.onConnect, c.onError, c.onMessage = h.OnConnect, h.OnError, h.OnMessage
	c.owner++
	owner := c.owner
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owner != owner {
			return
		}
		c.onConnect, c.onError, c.onMessage = nil, nil, nil
		c.owner++
	}
}

// deliver hands f to the registered message callback.
func (c *fakeConn) deliver(f chat.Frame) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// drop simulates a lost connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// reconnect simulates the manager coming back up on its own.
func (c *fakeConn) reconnect() {
	c.mu.Lock()
	c.connected = true
	c.connectErr = nil
	cb := c.onConnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *fakeConn) sentOf(typ chat.FrameType) []chat.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chat.Frame
	for _, f := range c.sent {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) allSent() []chat.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Frame(nil), c.sent...)
}

func (c *fakeConn) callbacksCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onConnect == nil && c.onError == nil && c.onMessage == nil
}

// fakeHistory serves canned pages. Pages not in the map are empty last
// pages. When gate is set every call blocks until it is closed.
type fakeHistory struct {
	mu      sync.Mutex
	pages   map[int]api.HistoryPage
	err     error
	calls   []api.HistoryQuery
	gate    chan struct{}
	started chan int
}

func (h *fakeHistory) History(ctx context.Context, roomID chat.ID, q api.HistoryQuery) (api.HistoryPage, error) {
	h.mu.Lock()
	h.calls = append(h.calls, q)
	page, ok := h.pages[q.Page]
	err := h.err
	gate, started := h.gate, h.started
	h.mu.Unlock()

	if started != nil {
		started <- q.Page
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return api.HistoryPage{}, err
	}
	if !ok {
		return api.HistoryPage{Number: q.Page, Last: true}, nil
	}
	return page, nil
}

func (h *fakeHistory) block() (gate chan struct{}, started chan int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gate = make(chan struct{})
	h.started = make(chan int, 4)
	return h.gate, h.started
}

func (h *fakeHistory) numCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// fakeRooms records MarkAsRead calls.
type fakeRooms struct {
	mu     sync.Mutex
	marked []chat.ID
}

func (r *fakeRooms) MarkAsRead(roomID chat.ID) {
	r.mu.Lock()
	r.marked = append(r.marked, roomID)
	r.mu.Unlock()
}

// fakeViewport grows by rowHeight per rendered message.
type fakeViewport struct {
	mu       sync.Mutex
	height   int
	scrolled []int
}

const rowHeight = 10

func (v *fakeViewport) render(s Snapshot) {
	v.mu.Lock()
	v.height = len(s.Messages) * rowHeight
	v.mu.Unlock()
}

func (v *fakeViewport) ScrollHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.height
}

func (v *fakeViewport) ScrollBy(delta int) {
	v.mu.Lock()
	v.scrolled = append(v.scrolled, delta)
	v.mu.Unlock()
}

// memKV is an in-memory KeyValue.
type memKV map[string]string

func (m memKV) Get(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memKV) Set(key, value string) error {
	m[key] = value
	return nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func stamp(d time.Duration) string { return chat.FormatTime(t0.Add(d)) }
