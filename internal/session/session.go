// Package session drives one open chat screen: it loads history, joins the
// room on the shared connection, sends messages and read receipts, and
// keeps the room's timeline current until the screen closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/marketchat/internal/api"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/socket"
	"github.com/zulandar/marketchat/internal/timeline"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Loading
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotIdle is returned by Open on a controller that was already opened.
var ErrNotIdle = errors.New("session: already opened")

// Connection is the part of the shared socket manager a session uses.
type Connection interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	SubscribeToRoom(roomID chat.ID) string
	UnsubscribeFromRoom(roomID chat.ID)
	SendMessage(f chat.Frame) bool
	// Register installs the session's callbacks; release clears them only
	// while they are still the installed ones.
	Register(h socket.Handlers) (release func())
}

// History fetches pages of room history.
type History interface {
	History(ctx context.Context, roomID chat.ID, q api.HistoryQuery) (api.HistoryPage, error)
}

// Ledger is the read-state store as used by a session.
type Ledger interface {
	timeline.Ledger
	Load(roomID string) (map[string]bool, error)
}

// RoomMarker clears a room's unread badge once the room is live.
type RoomMarker interface {
	MarkAsRead(roomID chat.ID)
}

// Viewport is the scrollable message list, used to keep the visible
// position steady when older messages are inserted above it.
type Viewport interface {
	ScrollHeight() int
	ScrollBy(delta int)
}

// Snapshot is what a listener sees after every change.
type Snapshot struct {
	State        State
	Connected    bool
	Messages     []chat.Message
	HasMore      bool
	PeerNickname string
	Err          error // last connection error, if any
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	RoomID  chat.ID
	Viewer  chat.ID
	Conn    Connection
	History History
	Ledger  Ledger
	// Optional.
	Rooms    RoomMarker
	Viewport Viewport
	Listener func(Snapshot)
	PageSize int
	Sort     string
	Location *time.Location
	// For testing: override the clock.
	Now func() time.Time
}

// Controller is the Room Session Controller of one chat screen.
type Controller struct {
	roomID   chat.ID
	viewer   chat.ID
	conn     Connection
	history  History
	ledger   Ledger
	rooms    RoomMarker
	viewport Viewport
	listener func(Snapshot)
	pageSize int
	sort     string
	loc      *time.Location
	now      func() time.Time
	tl       *timeline.Timeline

	mu            sync.Mutex
	state         State
	mounted       bool
	historyLoaded bool
	subscribed    bool
	loadingOlder  bool
	nextPage      int
	peer          string
	lastErr       error
	release       func()
}

// New creates a Controller in the Idle state.
func New(opts ControllerOpts) (*Controller, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("session: room id is required")
	}
	if opts.Viewer == "" {
		return nil, fmt.Errorf("session: viewer id is required")
	}
	if opts.Conn == nil {
		return nil, fmt.Errorf("session: connection is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("session: history client is required")
	}
	c := &Controller{
		roomID:   opts.RoomID,
		viewer:   opts.Viewer,
		conn:     opts.Conn,
		history:  opts.History,
		ledger:   opts.Ledger,
		rooms:    opts.Rooms,
		viewport: opts.Viewport,
		listener: opts.Listener,
		pageSize: opts.PageSize,
		sort:     opts.Sort,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if c.pageSize <= 0 {
		c.pageSize = 20
	}
	if c.sort == "" {
		c.sort = "createdAt,desc"
	}
	if c.loc == nil {
		c.loc = chat.Location
	}
	if c.now == nil {
		c.now = time.Now
	}
	var ledger timeline.Ledger
	if c.ledger != nil {
		ledger = c.ledger
	}
	c.tl = timeline.New(c.roomID, c.viewer, ledger, c.loc)
	return c, nil
}

// RoomID returns the room this controller is bound to.
func (c *Controller) RoomID() chat.ID { return c.roomID }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns the room's timeline in chronological order.
func (c *Controller) Messages() []chat.Message { return c.tl.Messages() }

// HasMore reports whether older history may still be loaded.
func (c *Controller) HasMore() bool { return c.tl.HasMore() }

// PeerNickname returns the other participant's nickname once history has
// reported it.
func (c *Controller) PeerNickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Open starts the session: it loads the read ledger, joins the room on the
// shared connection and fetches the newest history page. The session goes
// Live once history is merged and the room is subscribed, which may happen
// later if the connection is still coming up. A connection error is
// returned for information only; the session stays open and goes Live when
// the manager reconnects.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = Loading
	c.mounted = true
	c.mu.Unlock()
	c.emit()

	if c.ledger != nil {
		if _, err := c.ledger.Load(string(c.roomID)); err != nil {
			log.Printf("session: room %s: %v", c.roomID, err)
		}
	}

	release := c.conn.Register(socket.Handlers{
		OnConnect: c.handleConnect,
		OnError:   c.handleError,
		OnMessage: c.handleFrame,
	})
	c.mu.Lock()
	c.release = release
	c.mu.Unlock()

	var connErr error
	if c.conn.IsConnected() {
		c.subscribe()
	} else if err := c.conn.Connect(ctx); err != nil {
		connErr = fmt.Errorf("session: connect: %w", err)
		c.setErr(connErr)
	}

	page, err := c.history.History(ctx, c.roomID, c.query(0))
	if !c.isMounted() {
		return connErr
	}
	if err != nil {
		// Page 0 stays next so LoadOlder can retry it.
		log.Printf("session: room %s: history: %v", c.roomID, err)
	} else {
		c.mergePage(page)
	}

	c.mu.Lock()
	c.historyLoaded = true
	c.mu.Unlock()
	c.tryLive()
	c.emit()
	return connErr
}

// Send sends text to the room. It returns false without doing anything
// when the text is blank, the session is not Live or the connection is
// down, and when the same text was already sent in the same millisecond.
// Otherwise the message is appended locally first and the return value
// reports whether the broker write succeeded.
func (c *Controller) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if c.State() != Live || !c.conn.IsConnected() {
		return false
	}

	at := c.now().Truncate(time.Millisecond)
	if _, added := c.tl.AppendLocal(text, at); !added {
		// Same text in the same millisecond has the same id and would be
		// dropped everywhere as a duplicate.
		log.Printf("session: room %s: duplicate send dropped", c.roomID)
		return false
	}
	ok := c.conn.SendMessage(chat.NewMessageFrame(c.roomID, c.viewer, text, at))
	if !ok {
		log.Printf("session: room %s: send failed", c.roomID)
	}
	c.sendReceipt()
	c.emit()
	return ok
}

// LoadOlder fetches the next older history page and prepends it. It
// returns false when the session is not Live, a page is already in
// flight, the last page was reached or the fetch failed.
func (c *Controller) LoadOlder(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != Live || c.loadingOlder || !c.tl.HasMore() {
		c.mu.Unlock()
		return false
	}
	c.loadingOlder = true
	page := c.nextPage
	c.mu.Unlock()

	p, err := c.history.History(ctx, c.roomID, c.query(page))

	c.mu.Lock()
	c.loadingOlder = false
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return false
	}
	if err != nil {
		log.Printf("session: room %s: history page %d: %v", c.roomID, page, err)
		return false
	}

	// Measured after the fetch so live messages that arrived meanwhile are
	// not counted as part of the older page.
	before := 0
	if c.viewport != nil {
		before = c.viewport.ScrollHeight()
	}
	c.mergePage(p)
	c.emit()
	if c.viewport != nil {
		if delta := c.viewport.ScrollHeight() - before; delta != 0 {
			c.viewport.ScrollBy(delta)
		}
	}
	return true
}

// Close ends the session. The room is unsubscribed and the session's
// connection callbacks are cleared unless another session has installed
// its own since; the shared connection itself stays up. Responses that
// arrive after Close are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state != Idle
	c.state = Closed
	c.mounted = false
	release := c.release
	c.release = nil
	c.mu.Unlock()

	if wasOpen {
		c.conn.UnsubscribeFromRoom(c.roomID)
		if release != nil {
			release()
		}
	}
	c.emit()
}

// Snapshot returns the current view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{State: c.state, PeerNickname: c.peer, Err: c.lastErr}
	c.mu.Unlock()
	s.Connected = c.conn.IsConnected()
	s.Messages = c.tl.Messages()
	s.HasMore = c.tl.HasMore()
	return s
}

func (c *Controller) query(page int) api.HistoryQuery {
	return api.HistoryQuery{Page: page, Size: c.pageSize, Sort: c.sort}
}

func (c *Controller) mergePage(p api.HistoryPage) {
	c.tl.MergePage(p)
	c.mu.Lock()
	c.nextPage = p.Number + 1
	if p.Peer != nil && p.Peer.Nickname != "" {
		c.peer = p.Peer.Nickname
	}
	c.mu.Unlock()
}

func (c *Controller) handleFrame(f chat.Frame) {
	if f.RoomID != c.roomID {
		return
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != Loading && state != Live {
		return
	}

	switch f.Type {
	case chat.FrameMessage:
		if _, added := c.tl.AppendLive(f); !added {
			return
		}
		if state == Live {
			c.sendReceipt()
		}
		c.emit()
	case chat.FrameReceive:
		if f.Receiver == c.viewer {
			return
		}
		at, ok := c.receiptTime(f)
		if !ok {
			log.Printf("session: room %s: receipt without usable time", c.roomID)
			return
		}
		if len(c.tl.ApplyReceipt(at)) > 0 {
			c.emit()
		}
	}
}

func (c *Controller) receiptTime(f chat.Frame) (time.Time, bool) {
	for _, s := range []string{f.ReceiveAt, f.CreatedAt} {
		if s == "" {
			continue
		}
		if at, err := chat.ParseTime(s, c.loc); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

func (c *Controller) handleConnect() {
	c.mu.Lock()
	mounted := c.mounted
	live := c.state == Live
	c.lastErr = nil
	c.mu.Unlock()
	if !mounted {
		return
	}
	c.subscribe()
	if live {
		// Anything received while we were away is now seen.
		c.sendReceipt()
	} else {
		c.tryLive()
	}
	c.emit()
}

func (c *Controller) handleError(err error) {
	if !c.isMounted() {
		return
	}
	log.Printf("session: room %s: connection: %v", c.roomID, err)
	c.setErr(err)
	c.emit()
}

func (c *Controller) subscribe() {
	if c.conn.SubscribeToRoom(c.roomID) == "" {
		return
	}
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
}

// tryLive enters Live once history is merged and the room is subscribed.
func (c *Controller) tryLive() {
	c.mu.Lock()
	if c.state != Loading || !c.historyLoaded || !c.subscribed {
		c.mu.Unlock()
		return
	}
	c.state = Live
	c.mu.Unlock()

	log.Printf("session: room %s: live", c.roomID)
	if c.rooms != nil {
		c.rooms.MarkAsRead(c.roomID)
	}
	c.sendReceipt()
}

func (c *Controller) sendReceipt() {
	if !c.conn.SendMessage(chat.NewReceiptFrame(c.roomID, c.viewer, c.now())) {
		log.Printf("session: room %s: receipt not sent", c.roomID)
	}
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) isMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

func (c *Controller) emit() {
	if c.listener == nil {
		return
	}
	c.listener(c.Snapshot())
}
