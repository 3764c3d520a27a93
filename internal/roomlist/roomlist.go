// Package roomlist holds the viewer's chat rooms in memory and tells
// subscribers whenever the list changes.
package roomlist

import (
	"sync"

	"github.com/zulandar/marketchat/internal/chat"
)

// Store is the in-memory room list. Subscribers are called after every
// change with a copy of the list, never while the store's lock is held.
type Store struct {
	mu     sync.Mutex
	rooms  []chat.Room
	subs   map[int]func([]chat.Room)
	nextID int
}

// New returns an empty Store.
func New() *Store {
	return &Store{subs: make(map[int]func([]chat.Room))}
}

// Set replaces the whole list.
func (s *Store) Set(rooms []chat.Room) {
	s.mu.Lock()
	s.rooms = append([]chat.Room(nil), rooms...)
	s.mu.Unlock()
	s.publish()
}

// Rooms returns a copy of the list.
func (s *Store) Rooms() []chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Room(nil), s.rooms...)
}

// Get returns the room with id.
func (s *Store) Get(id chat.ID) (chat.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.ID == id {
			return r, true
		}
	}
	return chat.Room{}, false
}

// MarkAsRead clears the unread count of a room.
func (s *Store) MarkAsRead(id chat.ID) {
	s.Update(id, func(r *chat.Room) { r.UnreadCount = 0 })
}

// Update applies fn to the room with id. It reports whether the room exists.
func (s *Store) Update(id chat.ID, fn func(*chat.Room)) bool {
	s.mu.Lock()
	found := false
	for i := range s.rooms {
		if s.rooms[i].ID == id {
			fn(&s.rooms[i])
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.publish()
	}
	return found
}

// Remove deletes the room with id. It reports whether the room existed.
func (s *Store) Remove(id chat.ID) bool {
	s.mu.Lock()
	found := false
	for i, r := range s.rooms {
		if r.ID == id {
			s.rooms = append(s.rooms[:i], s.rooms[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.publish()
	}
	return found
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func([]chat.Room)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publish() {
	s.mu.Lock()
	rooms := append([]chat.Room(nil), s.rooms...)
	fns := make([]func([]chat.Room), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(rooms)
	}
}
