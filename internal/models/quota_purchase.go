package models

import (
	"time"
)

// QuotaPurchase is a traffic add-on with its own expiry.
type QuotaPurchase struct {
	ID             uint      `gorm:"primaryKey"`
	SubscriptionID uint      `gorm:"not null;index"`
	GrantedAmount  int64     `gorm:"not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
	CreatedAt      time.Time
}
