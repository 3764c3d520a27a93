// Package localstore persists small client-side values (last opened room,
// viewer id, unread total) in the local database.
package localstore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/zulandar/marketchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Well-known keys.
const (
	KeyLastRoomID  = "last_room_id"
	KeyLastUserID  = "last_user_id"
	KeyUnreadTotal = "unread_total"
)

// Store is a key/value view over the local_values table.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by db. The schema must already be migrated.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the value stored under key. ok is false when no value exists.
func (s *Store) Get(key string) (value string, ok bool, err error) {
	var lv models.LocalValue
	result := s.db.Where("name = ?", key).Limit(1).Find(&lv)
	if result.Error != nil {
		return "", false, fmt.Errorf("localstore: get %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return lv.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	lv := models.LocalValue{Name: key, Value: value}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&lv)
	if result.Error != nil {
		return fmt.Errorf("localstore: set %s: %w", key, result.Error)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Where("name = ?", key).Delete(&models.LocalValue{}).Error; err != nil {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	return nil
}

// ErrNotInt is returned by GetInt when the stored value is not an integer.
var ErrNotInt = errors.New("localstore: value is not an integer")

// GetInt returns the integer stored under key.
func (s *Store) GetInt(key string) (int, bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q", ErrNotInt, key, v)
	}
	return n, true, nil
}

// SetInt stores an integer under key.
func (s *Store) SetInt(key string, n int) error {
	return s.Set(key, strconv.Itoa(n))
}
