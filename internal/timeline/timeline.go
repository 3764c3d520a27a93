// Package timeline reconciles REST history pages with live socket frames
// into one ordered, deduplicated list of messages per room.
package timeline

import (
	"log"
	"sync"
	"time"

	"github.com/zulandar/marketchat/internal/api"
	"github.com/zulandar/marketchat/internal/chat"
)

// Ledger is the read-state store as seen by a timeline.
type Ledger interface {
	IsRead(roomID, messageID string) bool
	MarkRead(roomID, messageID string) error
}

// Timeline is the message list of one room from one viewer's perspective.
// Every message appears at most once, keyed by chat.MessageID.
type Timeline struct {
	roomID chat.ID
	viewer chat.ID
	ledger Ledger
	loc    *time.Location
	now    func() time.Time

	mu      sync.Mutex
	msgs    []chat.Message
	ids     map[string]struct{}
	hasMore bool
}

// New returns an empty timeline for roomID as seen by viewer. Zone-less
// history timestamps are read in loc (UTC when nil).
func New(roomID, viewer chat.ID, ledger Ledger, loc *time.Location) *Timeline {
	if loc == nil {
		loc = time.UTC
	}
	return &Timeline{
		roomID:  roomID,
		viewer:  viewer,
		ledger:  ledger,
		loc:     loc,
		now:     time.Now,
		ids:     make(map[string]struct{}),
		hasMore: true,
	}
}

// MergePage merges one history page. Pages arrive newest first and each
// older page goes in front of what is already loaded. Messages already in
// the timeline are skipped. It returns the number of messages added.
func (t *Timeline) MergePage(page api.HistoryPage) int {
	var older []chat.Message
	for i := len(page.Items) - 1; i >= 0; i-- {
		item := page.Items[i]
		at, err := chat.ParseTime(item.CreatedAt, t.loc)
		if err != nil {
			log.Printf("timeline: room %s: skip history item: %v", t.roomID, err)
			continue
		}
		msg := t.build(item.SenderID, item.Message, at)
		if item.IsRead && !msg.Read {
			msg.Read = true
			t.markRead(msg.ID)
		}
		older = append(older, msg)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if page.Last {
		t.hasMore = false
	}
	fresh := older[:0]
	for _, msg := range older {
		if _, dup := t.ids[msg.ID]; dup {
			continue
		}
		t.ids[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return 0
	}
	t.msgs = append(fresh, t.msgs...)
	return len(fresh)
}

// AppendLive appends a MESSAGE frame received from the socket. The
// viewer's own messages are dropped because they were already appended
// locally when sent, as are frames whose message is already present.
func (t *Timeline) AppendLive(f chat.Frame) (chat.Message, bool) {
	if f.Type != chat.FrameMessage || f.RoomID != t.roomID {
		return chat.Message{}, false
	}
	if f.Sender == t.viewer {
		return chat.Message{}, false
	}
	at, err := chat.ParseTime(f.CreatedAt, t.loc)
	if err != nil {
		at = t.now().Truncate(time.Millisecond)
	}
	return t.append(t.build(f.Sender, f.Message, at))
}

// AppendLocal appends a message the viewer just sent, before the server
// has confirmed it.
func (t *Timeline) AppendLocal(body string, at time.Time) (chat.Message, bool) {
	return t.append(t.build(t.viewer, body, at.Truncate(time.Millisecond)))
}

// ApplyReceipt marks every outgoing message created at or before at as
// read and returns the ids that changed.
func (t *Timeline) ApplyReceipt(at time.Time) []string {
	t.mu.Lock()
	var changed []string
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.Direction != chat.Outgoing || m.Read || m.CreatedAt.After(at) {
			continue
		}
		m.Read = true
		changed = append(changed, m.ID)
	}
	t.mu.Unlock()

	for _, id := range changed {
		t.markRead(id)
	}
	return changed
}

// Messages returns a copy of the timeline in chronological order.
func (t *Timeline) Messages() []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// HasMore reports whether older history pages may exist.
func (t *Timeline) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Latest returns the newest message, if any.
func (t *Timeline) Latest() (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.msgs) == 0 {
		return chat.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

func (t *Timeline) build(sender chat.ID, body string, at time.Time) chat.Message {
	id := chat.MessageID(at, body, sender)
	dir := chat.Incoming
	if sender == t.viewer {
		dir = chat.Outgoing
	}
	read := false
	if t.ledger != nil {
		read = t.ledger.IsRead(string(t.roomID), id)
	}
	return chat.Message{
		ID:        id,
		RoomID:    t.roomID,
		Sender:    sender,
		Body:      body,
		CreatedAt: at,
		Direction: dir,
		Read:      read,
	}
}

func (t *Timeline) append(msg chat.Message) (chat.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.ids[msg.ID]; dup {
		return chat.Message{}, false
	}
	t.ids[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)
	return msg, true
}

func (t *Timeline) markRead(id string) {
	if t.ledger == nil {
		return
	}
	if err := t.ledger.MarkRead(string(t.roomID), id); err != nil {
		log.Printf("timeline: room %s: %v", t.roomID, err)
	}
}
