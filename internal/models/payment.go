package models

import (
	"time"
)

// Payment is a top-up credited to a user's balance. ProviderID is unique, so
// a notification replayed after the redis key expired still credits once.
type Payment struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     uint   `gorm:"not null;index"`
	User       *User  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Amount     int64  `gorm:"not null"` // minor units
	Currency   string `gorm:"size:3"`
	ProviderID string `gorm:"size:255;uniqueIndex;not null"`
	CreatedAt  time.Time
}
