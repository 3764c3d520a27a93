package devbroker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/zulandar/marketchat/internal/chat"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"v12.stomp"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// client is one socket connection to the broker.
type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	user    chat.ID

	mu   sync.Mutex
	subs map[string]chat.ID // subscription id -> room
}

func (cl *client) send(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	return cl.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// read returns the frames of the next transport message. Heart-beats are
// skipped.
func (cl *client) read() ([]*frame.Frame, error) {
	_, data, err := cl.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func (cl *client) fail(msg string) {
	if err := cl.send(frame.New(frame.ERROR, frame.Message, msg)); err != nil {
		log.Printf("devbroker: send ERROR to %s: %v", cl.user, err)
	}
}

func handleSocket(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("devbroker: upgrade: %v", err)
			return
		}
		b.serve(ws, c.GetHeader("Authorization"))
	}
}

// serve runs one STOMP session. The bearer token may come in the CONNECT
// frame or in the upgrade request.
func (b *Broker) serve(ws *websocket.Conn, httpAuth string) {
	defer ws.Close()
	cl := &client{ws: ws, subs: make(map[string]chat.ID)}

	var pending []*frame.Frame
	for len(pending) == 0 {
		frames, err := cl.read()
		if err != nil {
			return
		}
		pending = frames
	}
	connect := pending[0]
	pending = pending[1:]
	if connect.Command != frame.CONNECT && connect.Command != frame.STOMP {
		cl.fail("expected CONNECT, got " + connect.Command)
		return
	}
	auth := connect.Header.Get("Authorization")
	if auth == "" {
		auth = httpAuth
	}
	user, ok := b.userFor(auth)
	if !ok {
		cl.fail("unauthorized: invalid or missing token")
		return
	}
	cl.user = user
	// The dev broker neither sends nor expects heart-beats.
	if err := cl.send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0", "user-name", string(user))); err != nil {
		return
	}

	b.addClient(cl)
	defer b.removeClient(cl)
	log.Printf("devbroker: %s connected", user)

	for {
		for _, f := range pending {
			if !b.handle(cl, f) {
				return
			}
		}
		frames, err := cl.read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("devbroker: %s: read: %v", user, err)
			}
			return
		}
		pending = frames
	}
}

// handle processes one client frame. It returns false when the session ends.
func (b *Broker) handle(cl *client, f *frame.Frame) bool {
	keep := true
	switch f.Command {
	case frame.SUBSCRIBE:
		b.subscribe(cl, f)
	case frame.UNSUBSCRIBE:
		cl.mu.Lock()
		delete(cl.subs, f.Header.Get(frame.Id))
		cl.mu.Unlock()
	case frame.SEND:
		b.publish(cl, f)
	case frame.DISCONNECT:
		keep = false
	default:
		log.Printf("devbroker: %s: ignoring %s", cl.user, f.Command)
	}

	if receipt := f.Header.Get(frame.Receipt); receipt != "" {
		if err := cl.send(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)); err != nil {
			log.Printf("devbroker: %s: send RECEIPT: %v", cl.user, err)
		}
	}
	return keep
}

func (b *Broker) subscribe(cl *client, f *frame.Frame) {
	id := f.Header.Get(frame.Id)
	dest := f.Header.Get(frame.Destination)
	roomID, ok := strings.CutPrefix(dest, b.inboundPrefix)
	if id == "" || !ok || roomID == "" {
		log.Printf("devbroker: %s: bad SUBSCRIBE id=%q destination=%q", cl.user, id, dest)
		return
	}
	if !b.store.isMember(chat.ID(roomID), cl.user) {
		log.Printf("devbroker: %s: not a member of room %s", cl.user, roomID)
		return
	}
	cl.mu.Lock()
	cl.subs[id] = chat.ID(roomID)
	cl.mu.Unlock()
}

// publish records a SEND and relays it to the room's subscribers. The
// sender and receiver fields are always the authenticated user.
func (b *Broker) publish(cl *client, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	roomID, ok := strings.CutPrefix(dest, b.outboundPrefix)
	if !ok || roomID == "" {
		log.Printf("devbroker: %s: bad SEND destination %q", cl.user, dest)
		return
	}
	cf, err := chat.DecodeFrame(f.Body)
	if err != nil {
		log.Printf("devbroker: %s: %v", cl.user, err)
		return
	}
	cf.RoomID = chat.ID(roomID)

	switch cf.Type {
	case chat.FrameMessage:
		cf.Sender = cl.user
		at := b.parseTime(cf.CreatedAt)
		cf.CreatedAt = chat.FormatTime(at)
		if err := b.store.appendMessage(cf.RoomID, cl.user, cf.Message, at); err != nil {
			log.Printf("devbroker: %s: message to %s: %v", cl.user, roomID, err)
			return
		}
	case chat.FrameReceive:
		cf.Receiver = cl.user
		at := b.parseTime(cf.ReceiveAt, cf.CreatedAt)
		if err := b.store.markRead(cf.RoomID, cl.user, at); err != nil {
			log.Printf("devbroker: %s: receipt for %s: %v", cl.user, roomID, err)
			return
		}
	default:
		if !b.store.isMember(cf.RoomID, cl.user) {
			return
		}
	}

	body, err := cf.Encode()
	if err != nil {
		log.Printf("devbroker: %s: %v", cl.user, err)
		return
	}
	b.broadcast(cf.RoomID, body)
}

// parseTime returns the first usable timestamp, or now.
func (b *Broker) parseTime(values ...string) time.Time {
	for _, v := range values {
		if at, err := chat.ParseTime(v, b.loc); err == nil {
			return at
		}
	}
	return b.now().Truncate(time.Millisecond)
}

type delivery struct {
	cl    *client
	subID string
}

func (b *Broker) broadcast(roomID chat.ID, body []byte) {
	b.mu.Lock()
	var targets []delivery
	for cl := range b.clients {
		cl.mu.Lock()
		for id, r := range cl.subs {
			if r == roomID {
				targets = append(targets, delivery{cl, id})
			}
		}
		cl.mu.Unlock()
	}
	b.nextMsg++
	msgID := fmt.Sprintf("msg-%d", b.nextMsg)
	b.mu.Unlock()

	for _, t := range targets {
		mf := frame.New(frame.MESSAGE,
			frame.Subscription, t.subID,
			frame.MessageId, msgID,
			frame.Destination, b.inboundPrefix+string(roomID),
			frame.ContentType, "application/json",
			frame.ContentLength, strconv.Itoa(len(body)),
		)
		mf.Body = body
		if err := t.cl.send(mf); err != nil {
			log.Printf("devbroker: deliver to %s: %v", t.cl.user, err)
		}
	}
}

func (b *Broker) addClient(cl *client) {
	b.mu.Lock()
	b.clients[cl] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) removeClient(cl *client) {
	b.mu.Lock()
	delete(b.clients, cl)
	b.mu.Unlock()
	log.Printf("devbroker: %s disconnected", cl.user)
}

// closeAll drops every socket, used on shutdown.
func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for cl := range b.clients {
		cl.ws.Close()
	}
}
