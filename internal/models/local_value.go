package models

import "time"

// LocalValue is a small persisted key/value pair, such as the last room the
// viewer opened or the last computed unread total.
type LocalValue struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
