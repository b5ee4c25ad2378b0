package models

import (
	"time"
)

type Plan struct {
	ID                 uint     `gorm:"primaryKey"`
	Name               string   `gorm:"size:100;not null"`
	BaseQuota          int64    `gorm:"not null;default:0"` // 0 = unlimited
	DeviceLimit        int      `gorm:"not null;default:1"`
	AllowedResourceIDs []string `gorm:"serializer:json;type:text"`
	IsDaily            bool     `gorm:"not null;index"`
	IsActive           bool     `gorm:"not null"`
	DailyPrice         int64
	PeriodPrices       map[int]int64 `gorm:"serializer:json;type:text"` // days -> price
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PriceFor returns the price of a period of the given length.
func (p *Plan) PriceFor(days int) (int64, bool) {
	price, ok := p.PeriodPrices[days]
	return price, ok
}
