package models

import (
	"time"
)

type User struct {
	ID         uint    `gorm:"primaryKey"`
	TelegramID int64   `gorm:"uniqueIndex;not null"`
	Email      *string `gorm:"size:255;index"`
	Username   string  `gorm:"size:255"`
	Balance    int64   `gorm:"not null;default:0"` // minor units
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
