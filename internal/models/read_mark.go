package models

import "time"

// ReadMark records the read state of one message in one room. Message ids
// are the deterministic content-derived ids of chat.MessageID.
type ReadMark struct {
	RoomID    string `gorm:"primaryKey;size:64"`
	MessageID string `gorm:"primaryKey;size:64"`
	IsRead    bool   `gorm:"not null;default:false"`
	UpdatedAt time.Time
}
