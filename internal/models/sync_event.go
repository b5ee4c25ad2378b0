package models

import (
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "done"
	SyncFailed  SyncStatus = "failed"
)

// SyncEvent is an outbox row asking for the subscription to be pushed to the panel.
type SyncEvent struct {
	ID             uint       `gorm:"primaryKey"`
	EventID        string     `gorm:"size:36;uniqueIndex"`
	SubscriptionID uint       `gorm:"not null;index"`
	Reason         string     `gorm:"size:64"`
	Status         SyncStatus `gorm:"size:16;not null;index"`
	Attempts       int        `gorm:"not null;default:0"`
	Revision       int        `gorm:"not null;default:0"` // bumped on every coalesced enqueue
	NextAttemptAt  time.Time  `gorm:"index"`
	LastError      string     `gorm:"size:1024"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
