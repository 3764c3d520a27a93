// Package readstate keeps the per-room read ledger: message id to read flag,
// persisted on every write and reloaded when a room is opened.
//
// Read flags are monotonic. Once a message is read, no write can make it
// unread again, which makes concurrent receipt and send paths safe in
// either order.
package readstate

import (
	"fmt"
	"sync"

	"github.com/zulandar/marketchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Read-State Store.
type Store struct {
	db    *gorm.DB
	mu    sync.Mutex
	rooms map[string]map[string]bool
}

// New returns a Store backed by db. The schema must already be migrated.
func New(db *gorm.DB) *Store {
	return &Store{db: db, rooms: make(map[string]map[string]bool)}
}

// Load reads the ledger of roomID from storage into memory and returns a copy.
func (s *Store) Load(roomID string) (map[string]bool, error) {
	var marks []models.ReadMark
	if err := s.db.Where("room_id = ?", roomID).Find(&marks).Error; err != nil {
		return nil, fmt.Errorf("readstate: load %s: %w", roomID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ledger := s.ledgerLocked(roomID)
	for _, m := range marks {
		// Keep in-memory true values that may not be flushed yet.
		ledger[m.MessageID] = ledger[m.MessageID] || m.IsRead
	}
	return copyLedger(ledger), nil
}

// Ledger returns a copy of the in-memory ledger of roomID.
func (s *Store) Ledger(roomID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLedger(s.rooms[roomID])
}

// IsRead reports whether messageID in roomID is known to be read.
func (s *Store) IsRead(roomID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID][messageID]
}

// MarkRead records messageID as read.
func (s *Store) MarkRead(roomID, messageID string) error {
	return s.Set(roomID, messageID, true)
}

// Set records the read flag of messageID. Setting false on a message that
// is already read is a no-op.
func (s *Store) Set(roomID, messageID string, read bool) error {
	s.mu.Lock()
	ledger := s.ledgerLocked(roomID)
	prev, known := ledger[messageID]
	if prev || (known && prev == read) {
		s.mu.Unlock()
		return nil
	}
	ledger[messageID] = read
	s.mu.Unlock()

	mark := models.ReadMark{RoomID: roomID, MessageID: messageID, IsRead: read}
	conflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "message_id"}},
	}
	if read {
		conflict.DoUpdates = clause.AssignmentColumns([]string{"is_read", "updated_at"})
	} else {
		// Never overwrite a stored true with false.
		conflict.DoNothing = true
	}
	if err := s.db.Clauses(conflict).Create(&mark).Error; err != nil {
		return fmt.Errorf("readstate: set %s/%s: %w", roomID, messageID, err)
	}
	return nil
}

// Forget drops the ledger of roomID, used when a room is deleted.
func (s *Store) Forget(roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if err := s.db.Where("room_id = ?", roomID).Delete(&models.ReadMark{}).Error; err != nil {
		return fmt.Errorf("readstate: forget %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) ledgerLocked(roomID string) map[string]bool {
	ledger, ok := s.rooms[roomID]
	if !ok {
		ledger = make(map[string]bool)
		s.rooms[roomID] = ledger
	}
	return ledger
}

func copyLedger(src map[string]bool) map[string]bool {
	out := make(map[string]bool, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
