package devbroker

import (
	"errors"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/marketchat/internal/api"
	"github.com/zulandar/marketchat/internal/chat"
)

var (
	errNotFound = errors.New("room not found")
	errSelfChat = errors.New("cannot open a chat with yourself")
)

type message struct {
	sender chat.ID
	body   string
	at     time.Time
}

type room struct {
	id       chat.ID
	seller   chat.ID
	buyer    chat.ID
	listing  chat.ID
	created  time.Time
	messages []message // chronological
	readAt   map[chat.ID]time.Time
	deleted  map[chat.ID]bool
}

func (r *room) member(user chat.ID) bool {
	return (user == r.seller || user == r.buyer) && !r.deleted[user]
}

func (r *room) peerOf(user chat.ID) chat.ID {
	if user == r.seller {
		return r.buyer
	}
	return r.seller
}

// store is the broker's in-memory chat data.
type store struct {
	mu     sync.Mutex
	rooms  map[chat.ID]*room
	nextID int
	now    func() time.Time
}

func newStore(now func() time.Time) *store {
	return &store{rooms: make(map[chat.ID]*room), nextID: 1, now: now}
}

func nickname(user chat.ID) string { return "user-" + string(user) }

func listingTitle(listing chat.ID) string { return "listing " + string(listing) }

// openRoom returns the buyer's room with seller over listing, creating it
// when needed. A room the buyer deleted is restored.
func (s *store) openRoom(buyer, seller, listing chat.ID) (chat.Room, error) {
	if buyer == seller {
		return chat.Room{}, errSelfChat
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.buyer == buyer && r.seller == seller && r.listing == listing {
			delete(r.deleted, buyer)
			return s.viewLocked(r, buyer), nil
		}
	}
	r := &room{
		id:      chat.ID(strconv.Itoa(s.nextID)),
		seller:  seller,
		buyer:   buyer,
		listing: listing,
		created: s.now().UTC().Truncate(time.Millisecond),
		readAt:  make(map[chat.ID]time.Time),
		deleted: make(map[chat.ID]bool),
	}
	s.nextID++
	s.rooms[r.id] = r
	return s.viewLocked(r, buyer), nil
}

// roomsOf lists user's rooms, most recently active first.
func (s *store) roomsOf(user chat.ID) []chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []chat.Room{}
	for _, r := range s.rooms {
		if r.member(user) {
			out = append(out, s.viewLocked(r, user))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity.Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity.Time)
	})
	return out
}

func (s *store) viewLocked(r *room, viewer chat.ID) chat.Room {
	peer := r.peerOf(viewer)
	v := chat.Room{
		ID:           r.id,
		SellerID:     r.seller,
		BuyerID:      r.buyer,
		ListingID:    r.listing,
		ListingTitle: listingTitle(r.listing),
		PeerNickname: nickname(peer),
		LastActivity: chat.Timestamp{Time: r.created},
	}
	if n := len(r.messages); n > 0 {
		last := r.messages[n-1]
		v.LastMessage = last.body
		v.LastActivity = chat.Timestamp{Time: last.at}
	}
	seen := r.readAt[viewer]
	for _, m := range r.messages {
		if m.sender != viewer && m.at.After(seen) {
			v.UnreadCount++
		}
	}
	return v
}

// historyPage is the body of the history endpoint.
type historyPage struct {
	Content          []api.HistoryItem `json:"content"`
	Number           int               `json:"number"`
	Last             bool              `json:"last"`
	Empty            bool              `json:"empty"`
	OtherParticipant api.Participant   `json:"otherParticipant"`
}

// history returns one page of roomID as seen by user. newestFirst selects
// the sort order of the whole history before paging.
func (s *store) history(roomID, user chat.ID, page, size int, newestFirst bool) (historyPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.member(user) {
		return historyPage{}, errNotFound
	}

	peer := r.peerOf(user)
	peerSeen := r.readAt[peer]
	n := len(r.messages)
	start := page * size
	hp := historyPage{
		Content:          []api.HistoryItem{},
		Number:           page,
		OtherParticipant: api.Participant{UserID: peer, Nickname: nickname(peer)},
	}
	for i := start; i < n && i < start+size; i++ {
		idx := i
		if newestFirst {
			idx = n - 1 - i
		}
		m := r.messages[idx]
		hp.Content = append(hp.Content, api.HistoryItem{
			SenderID:  m.sender,
			Message:   m.body,
			CreatedAt: chat.FormatTime(m.at),
			IsRead:    m.sender == user && !m.at.After(peerSeen),
		})
	}
	hp.Last = start+size >= n
	hp.Empty = len(hp.Content) == 0
	return hp, nil
}

// appendMessage stores a message. Rooms the peer deleted come back for
// them when a new message arrives.
func (s *store) appendMessage(roomID, sender chat.ID, body string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.member(sender) {
		return errNotFound
	}
	i := len(r.messages)
	for i > 0 && r.messages[i-1].at.After(at) {
		i--
	}
	r.messages = slices.Insert(r.messages, i, message{sender: sender, body: body, at: at})
	delete(r.deleted, r.peerOf(sender))
	return nil
}

// markRead moves user's read point in roomID forward to at.
func (s *store) markRead(roomID, user chat.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.member(user) {
		return errNotFound
	}
	if at.After(r.readAt[user]) {
		r.readAt[user] = at
	}
	return nil
}

func (s *store) isMember(roomID, user chat.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return ok && r.member(user)
}

func (s *store) deleteRoom(roomID, user chat.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.member(user) {
		return errNotFound
	}
	r.deleted[user] = true
	return nil
}
