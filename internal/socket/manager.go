// Package socket implements the Connection Manager: one shared STOMP
// session over a WebSocket, a per-room subscription table, and the
// reconnection policy.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/credential"
)

const (
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 30 * time.Second
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// authRetryDelay is the pause before the single retry after a
	// credential rejection.
	authRetryDelay = time.Second
	// defaultHeartbeat is the STOMP heart-beat interval we ask for.
	defaultHeartbeat = 4 * time.Second
	// connectTimeout bounds the dial plus the CONNECT/CONNECTED exchange.
	connectTimeout = 10 * time.Second
)

var (
	// ErrAuthMissing is reported when no bearer credential is available.
	ErrAuthMissing = credential.ErrAuthMissing
	// ErrAuthRejected is reported when the broker rejects credentials
	// again after the one-shot retry.
	ErrAuthRejected = errors.New("socket: credentials rejected")
	// ErrReconnectExhausted is reported when every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("socket: reconnect attempts exhausted")
)

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Conn abstracts the *websocket.Conn methods we use, enabling test mocks.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// HandshakeError is returned by a Dialer when the HTTP upgrade was refused.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("socket: handshake status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// wsDialer dials with gorilla/websocket.
type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	c, resp, err := w.d.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return c, nil
}

// Credentials resolves the bearer token at call time.
type Credentials interface {
	Bearer() (string, error)
	Invalidate()
}

// Manager is the process-wide connection to the chat broker. All methods
// are safe for concurrent use. Callbacks run on the manager's goroutines,
// never while its lock is held; inbound frames are delivered one at a time
// in arrival order.
type Manager struct {
	url            string
	host           string
	creds          Credentials
	dialer         Dialer
	inboundPrefix  string
	outboundPrefix string
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxReconnect   int
	authRetryDelay time.Duration
	heartbeat      time.Duration

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64 // bumped by every connect and disconnect
	subs        map[chat.ID]string
	bySub       map[string]chat.ID
	attempt     int
	authRetried bool
	timer       *time.Timer
	done        chan struct{}
	onConnect   func()
	onError     func(error)
	onMessage   func(chat.Frame)
	owner       uint64 // bumped whenever a callback is replaced

	writeMu sync.Mutex
}

// ManagerOpts holds parameters for creating a Manager. Zero durations and
// counts take the package defaults.
type ManagerOpts struct {
	URL            string // ws:// or wss:// endpoint
	Credentials    Credentials
	InboundPrefix  string // subscribe destination prefix, default /receive/
	OutboundPrefix string // send destination prefix, default /send/
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	MaxReconnect   int
	AuthRetryDelay time.Duration
	Heartbeat      time.Duration // negative disables heart-beats
	// For testing: inject a dialer instead of gorilla/websocket.
	Dialer Dialer
}

// NewManager creates a Manager. It does not connect.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("socket: url is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("socket: credentials are required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("socket: parse url: %w", err)
	}

	m := &Manager{
		url:            opts.URL,
		host:           u.Hostname(),
		creds:          opts.Credentials,
		dialer:         opts.Dialer,
		inboundPrefix:  opts.InboundPrefix,
		outboundPrefix: opts.OutboundPrefix,
		baseBackoff:    opts.BaseBackoff,
		maxBackoff:     opts.MaxBackoff,
		maxReconnect:   opts.MaxReconnect,
		authRetryDelay: opts.AuthRetryDelay,
		heartbeat:      opts.Heartbeat,
		subs:           make(map[chat.ID]string),
		bySub:          make(map[string]chat.ID),
	}
	if m.dialer == nil {
		m.dialer = wsDialer{d: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connectTimeout,
			Subprotocols:     []string{"v12.stomp"},
		}}
	}
	if m.inboundPrefix == "" {
		m.inboundPrefix = "/receive/"
	}
	if m.outboundPrefix == "" {
		m.outboundPrefix = "/send/"
	}
	if m.baseBackoff <= 0 {
		m.baseBackoff = baseBackoff
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = maxBackoff
	}
	if m.maxReconnect <= 0 {
		m.maxReconnect = maxReconnectAttempts
	}
	if m.authRetryDelay <= 0 {
		m.authRetryDelay = authRetryDelay
	}
	if m.heartbeat == 0 {
		m.heartbeat = defaultHeartbeat
	}
	return m, nil
}

// Backoff returns the reconnect delay for a zero-based attempt:
// min(base * 2^attempt, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := math.Pow(2, float64(attempt)) * float64(base)
	if wait >= float64(max) {
		return max
	}
	return time.Duration(wait)
}

// SetOnConnect replaces the callback run after every successful connect,
// including reconnects.
func (m *Manager) SetOnConnect(fn func()) {
	m.mu.Lock()
	m.onConnect = fn
	m.owner++
	m.mu.Unlock()
}

// SetOnError replaces the callback that receives terminal and credential
// errors.
func (m *Manager) SetOnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.owner++
	m.mu.Unlock()
}

// SetOnMessage replaces the callback that receives inbound frames for all
// subscribed rooms.
func (m *Manager) SetOnMessage(fn func(chat.Frame)) {
	m.mu.Lock()
	m.onMessage = fn
	m.owner++
	m.mu.Unlock()
}

// Handlers is a set of callbacks installed together by Register.
type Handlers struct {
	OnConnect func()
	OnError   func(error)
	OnMessage func(chat.Frame)
}

// Register replaces all three callbacks with h. The returned release func
// clears them again, but only while h is still installed: once a later
// Register or setter has replaced them, release does nothing.
func (m *Manager) Register(h Handlers) (release func()) {
	m.mu.Lock()
	m.onConnect = h.OnConnect
	m.onError = h.OnError
	m.onMessage = h.OnMessage
	m.owner++
	owner := m.owner
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.owner != owner {
			return
		}
		m.onConnect = nil
		m.onError = nil
		m.onMessage = nil
		m.owner++
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a STOMP session is established.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Subscribed reports whether roomID is in the subscription table.
func (m *Manager) Subscribed(roomID chat.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[roomID]
	return ok
}

// Connect establishes the STOMP session. It is a no-op when already
// connected or while a connect or reconnect is in progress. A missing
// credential is reported to the error callback and returned. Transport
// failures schedule reconnects and are returned. Every Connect from the
// disconnected state starts a fresh reconnect budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = Connecting
	m.attempt = 0
	m.authRetried = false
	gen := m.gen
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// Disconnect closes the session without scheduling a reconnect. The
// subscription table is kept; the next successful Connect re-subscribes
// every room in it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = Disconnected
	m.attempt = 0
	m.authRetried = false
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if err := m.write(conn, frame.New(frame.DISCONNECT)); err != nil {
		log.Printf("socket: send DISCONNECT: %v", err)
	}
	m.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	conn.Close()
	log.Printf("socket: disconnected")
}

// SubscribeToRoom subscribes to roomID's inbound destination and returns
// the subscription id. Subscribing twice is a no-op returning the existing
// id. When not connected nothing happens and "" is returned.
func (m *Manager) SubscribeToRoom(roomID chat.ID) string {
	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		log.Printf("socket: subscribe %s: not connected", roomID)
		return ""
	}
	if id, ok := m.subs[roomID]; ok {
		m.mu.Unlock()
		return id
	}
	id := uuid.NewString()
	m.subs[roomID] = id
	m.bySub[id] = roomID
	conn := m.conn
	m.mu.Unlock()

	if err := m.write(conn, m.subscribeFrame(roomID, id)); err != nil {
		log.Printf("socket: subscribe %s: %v", roomID, err)
	}
	return id
}

// UnsubscribeFromRoom removes roomID from the subscription table. It is
// safe to call for rooms that are not subscribed.
func (m *Manager) UnsubscribeFromRoom(roomID chat.ID) {
	m.mu.Lock()
	id, ok := m.subs[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, roomID)
	delete(m.bySub, id)
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	if err := m.write(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
		log.Printf("socket: unsubscribe %s: %v", roomID, err)
	}
}

// SendMessage publishes f to its room's outbound destination. It returns
// false when not connected, when no credential is available or when the
// write fails.
func (m *Manager) SendMessage(f chat.Frame) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	if _, err := m.creds.Bearer(); err != nil {
		log.Printf("socket: send to %s: %v", f.RoomID, err)
		return false
	}

	body, err := f.Encode()
	if err != nil {
		log.Printf("socket: send to %s: %v", f.RoomID, err)
		return false
	}
	sf := jsonFrame(frame.SEND, body, frame.Destination, m.outboundPrefix+string(f.RoomID))
	if err := m.write(conn, sf); err != nil {
		log.Printf("socket: send to %s: %v", f.RoomID, err)
		return false
	}
	return true
}

func (m *Manager) subscribeFrame(roomID chat.ID, id string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, m.inboundPrefix+string(roomID),
		frame.Ack, "auto",
	)
}

// dial opens the transport and performs the STOMP handshake. gen is the
// generation the attempt belongs to; a Disconnect in the meantime makes
// the attempt stale and its result is discarded.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	token, err := m.creds.Bearer()
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Disconnected
		}
		m.mu.Unlock()
		m.reportError(err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, err := m.dialer.Dial(dialCtx, m.url, header)
	if err != nil {
		var he *HandshakeError
		if errors.As(err, &he) && (he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden) {
			return m.authFailed(gen, err)
		}
		m.scheduleReconnect(gen, err)
		return fmt.Errorf("socket: dial %s: %w", m.url, err)
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, m.host,
		"Authorization", "Bearer "+token,
	)
	if m.heartbeat > 0 {
		connect.Header.Set(frame.HeartBeat, formatHeartBeat(m.heartbeat))
	} else {
		connect.Header.Set(frame.HeartBeat, "0,0")
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	if err := m.write(conn, connect); err != nil {
		conn.Close()
		m.scheduleReconnect(gen, err)
		return fmt.Errorf("socket: send CONNECT: %w", err)
	}

	resp, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		m.scheduleReconnect(gen, err)
		return err
	}
	if resp.Command == frame.ERROR {
		conn.Close()
		cause := fmt.Errorf("socket: broker refused CONNECT: %s", errorText(resp))
		if authRelated(errorText(resp)) {
			return m.authFailed(gen, cause)
		}
		m.scheduleReconnect(gen, cause)
		return cause
	}

	send, recv := negotiateHeartBeat(m.heartbeat, resp.Header.Get(frame.HeartBeat))
	conn.SetReadDeadline(time.Time{})

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect ran while we were dialing.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.gen++
	connGen := m.gen
	m.conn = conn
	m.state = Connected
	m.attempt = 0
	m.authRetried = false
	m.done = make(chan struct{})
	done := m.done
	resubscribe := make(map[chat.ID]string, len(m.subs))
	for room, id := range m.subs {
		resubscribe[room] = id
	}
	onConnect := m.onConnect
	m.mu.Unlock()

	log.Printf("socket: connected to %s", m.url)
	for room, id := range resubscribe {
		if err := m.write(conn, m.subscribeFrame(room, id)); err != nil {
			log.Printf("socket: resubscribe %s: %v", room, err)
		}
	}

	go m.readLoop(conn, connGen, recv)
	if send > 0 {
		go m.heartbeatLoop(conn, done, send)
	}
	if onConnect != nil {
		onConnect()
	}
	return nil
}

// readHandshake waits for the broker's reply to CONNECT.
func readHandshake(conn Conn) (*frame.Frame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("socket: await CONNECTED: %w", err)
		}
		frames, err := decodeFrames(data)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED, frame.ERROR:
				return f, nil
			}
		}
	}
}

// readLoop reads frames until the connection fails or is closed.
func (m *Manager) readLoop(conn Conn, gen uint64, recv time.Duration) {
	for {
		if recv > 0 {
			conn.SetReadDeadline(time.Now().Add(3 * recv))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		frames, err := decodeFrames(data)
		if err != nil {
			log.Printf("socket: %v", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				m.deliver(f)
			case frame.ERROR:
				text := errorText(f)
				log.Printf("socket: broker error: %s", text)
				if authRelated(text) {
					if m.dropConn(gen) {
						conn.Close()
						m.authFailed(gen, fmt.Errorf("socket: broker error: %s", text))
					}
					return
				}
			}
		}
	}
}

// deliver decodes a MESSAGE frame and hands it to the message callback.
func (m *Manager) deliver(f *frame.Frame) {
	sub := f.Header.Get(frame.Subscription)
	m.mu.Lock()
	room, known := m.bySub[sub]
	cb := m.onMessage
	m.mu.Unlock()
	if sub != "" && !known {
		// Late frame for a room we already left.
		return
	}

	cf, err := chat.DecodeFrame(f.Body)
	if err != nil {
		log.Printf("socket: drop frame on %s: %v", f.Header.Get(frame.Destination), err)
		return
	}
	if known && cf.RoomID != room {
		log.Printf("socket: frame for room %s arrived on subscription of %s", cf.RoomID, room)
	}
	if cb != nil {
		cb(cf)
	}
}

// dropConn detaches the connection of generation gen. It returns false if
// that connection is no longer current.
func (m *Manager) dropConn(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != Connected {
		return false
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state = Reconnecting
	return true
}

// connectionLost handles a read failure on the connection of generation gen.
func (m *Manager) connectionLost(gen uint64, err error) {
	if !m.dropConn(gen) {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Disconnected
		}
		m.mu.Unlock()
		log.Printf("socket: server closed the connection normally")
		return
	}
	log.Printf("socket: connection lost: %v", err)
	m.scheduleReconnect(gen, err)
}

// scheduleReconnect arms the next reconnect attempt, or gives up after
// maxReconnect attempts.
func (m *Manager) scheduleReconnect(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.maxReconnect {
		m.state = Disconnected
		attempts := m.attempt
		m.mu.Unlock()
		m.reportError(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause))
		return
	}
	wait := Backoff(m.attempt, m.baseBackoff, m.maxBackoff)
	m.attempt++
	attempt := m.attempt
	m.state = Reconnecting
	m.timer = time.AfterFunc(wait, func() { m.retry(gen) })
	m.mu.Unlock()

	log.Printf("socket: reconnecting in %v (attempt %d/%d)", wait, attempt, m.maxReconnect)
}

// authFailed invalidates the credential and retries once; a second
// credential failure is terminal.
func (m *Manager) authFailed(gen uint64, cause error) error {
	m.creds.Invalidate()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return cause
	}
	if m.authRetried {
		m.state = Disconnected
		m.mu.Unlock()
		err := fmt.Errorf("%w: %v", ErrAuthRejected, cause)
		m.reportError(err)
		return err
	}
	m.authRetried = true
	m.state = Reconnecting
	m.timer = time.AfterFunc(m.authRetryDelay, func() { m.retry(gen) })
	m.mu.Unlock()

	log.Printf("socket: credentials rejected, retrying once in %v: %v", m.authRetryDelay, cause)
	return cause
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = Connecting
	m.mu.Unlock()

	m.dial(context.Background(), gen)
}

func (m *Manager) heartbeatLoop(conn Conn, done <-chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("\n"))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

func (m *Manager) write(conn Conn, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("socket: write %s: %w", commandOf(f), err)
	}
	return nil
}

func (m *Manager) reportError(err error) {
	m.mu.Lock()
	cb := m.onError
	m.mu.Unlock()
	log.Printf("socket: %v", err)
	if cb != nil {
		cb(err)
	}
}
