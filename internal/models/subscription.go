package models

import (
	"time"
)

type SubscriptionStatus string

const (
	StatusPending  SubscriptionStatus = "pending"
	StatusTrial    SubscriptionStatus = "trial"
	StatusActive   SubscriptionStatus = "active"
	StatusExpired  SubscriptionStatus = "expired"
	StatusDisabled SubscriptionStatus = "disabled"
)

// SuspensionReason tells a manual disable apart from a funding suspension.
type SuspensionReason string

const (
	SuspensionNone              SuspensionReason = ""
	SuspensionManual            SuspensionReason = "manual"
	SuspensionInsufficientFunds SuspensionReason = "insufficient_funds"
)

type Subscription struct {
	ID               uint               `gorm:"primaryKey"`
	UserID           uint               `gorm:"not null;uniqueIndex"`
	User             *User              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Status           SubscriptionStatus `gorm:"size:20;not null;default:'pending';index"`
	SuspensionReason SuspensionReason   `gorm:"size:32"`
	IsTrial          bool               `gorm:"not null"`
	StartDate        time.Time
	EndDate          time.Time `gorm:"index"`

	TrafficLimitQuota int64 `gorm:"not null;default:0"` // 0 = unlimited
	TrafficUsedQuota  int64 `gorm:"not null;default:0"`
	PurchasedQuota    int64 `gorm:"not null;default:0"`
	TrafficResetAt    *time.Time

	DeviceLimit          int      `gorm:"not null;default:1"`
	ConnectedResourceIDs []string `gorm:"serializer:json;type:text"`

	PlanID *uint `gorm:"index"`
	Plan   *Plan `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`

	AutopayEnabled  bool `gorm:"not null"`
	AutopayLeadDays int  `gorm:"not null;default:3"`

	IsDailyPaused       bool `gorm:"not null"`
	LastDailyChargeAt   *time.Time
	LastWebhookUpdateAt *time.Time

	RemnawaveID     string `gorm:"size:255;index"`
	SubscriptionURL string `gorm:"size:512"` // VPN subscription link

	QuotaPurchases []QuotaPurchase `gorm:"constraint:OnDelete:CASCADE;"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDailyPlan reports whether the governing plan is billed per day.
// The Plan association must be loaded.
func (s *Subscription) IsDailyPlan() bool {
	return s.Plan != nil && s.Plan.IsDaily
}

// InWebhookGuard reports whether an external webhook touched the row within window.
func (s *Subscription) InWebhookGuard(now time.Time, window time.Duration) bool {
	return s.LastWebhookUpdateAt != nil && now.Sub(*s.LastWebhookUpdateAt) < window
}
