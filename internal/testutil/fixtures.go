package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpn-subscriptions/internal/models"
)

var seq atomic.Int64

// TestUser creates a user with a unique telegram id.
func TestUser(t *testing.T, db *gorm.DB, opts ...func(*models.User)) *models.User {
	t.Helper()

	n := seq.Add(1)
	user := &models.User{
		TelegramID: 100000 + n,
		Username:   fmt.Sprintf("user_%d", n),
	}
	for _, opt := range opts {
		opt(user)
	}

	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func WithBalance(balance int64) func(*models.User) {
	return func(u *models.User) {
		u.Balance = balance
	}
}

func WithEmail(email string) func(*models.User) {
	return func(u *models.User) {
		u.Email = &email
	}
}

// TestPlan creates an active 30-day plan.
func TestPlan(t *testing.T, db *gorm.DB, opts ...func(*models.Plan)) *models.Plan {
	t.Helper()

	plan := &models.Plan{
		Name:               fmt.Sprintf("plan_%d", seq.Add(1)),
		BaseQuota:          100,
		DeviceLimit:        3,
		AllowedResourceIDs: []string{"squad-a"},
		IsActive:           true,
		PeriodPrices:       map[int]int64{30: 30000, 90: 80000},
	}
	for _, opt := range opts {
		opt(plan)
	}

	if err := db.Create(plan).Error; err != nil {
		t.Fatalf("Failed to create test plan: %v", err)
	}
	return plan
}

func Daily(price int64) func(*models.Plan) {
	return func(p *models.Plan) {
		p.IsDaily = true
		p.DailyPrice = price
		p.PeriodPrices = nil
	}
}

func WithBaseQuota(q int64) func(*models.Plan) {
	return func(p *models.Plan) {
		p.BaseQuota = q
	}
}

// TestSubscription creates an active subscription ending ten days after Now.
func TestSubscription(t *testing.T, db *gorm.DB, userID uint, opts ...func(*models.Subscription)) *models.Subscription {
	t.Helper()

	sub := &models.Subscription{
		UserID:            userID,
		Status:            models.StatusActive,
		StartDate:         Now.Add(-20 * 24 * time.Hour),
		EndDate:           Now.Add(10 * 24 * time.Hour),
		TrafficLimitQuota: 100,
		DeviceLimit:       3,
		AutopayLeadDays:   3,
	}
	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Omit(clause.Associations).Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}
	return sub
}

func WithStatus(status models.SubscriptionStatus) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.Status = status
	}
}

func WithEndDate(end time.Time) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.EndDate = end.UTC()
	}
}

func WithPlan(plan *models.Plan) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.PlanID = &plan.ID
		s.TrafficLimitQuota = plan.BaseQuota
		s.DeviceLimit = plan.DeviceLimit
		s.ConnectedResourceIDs = plan.AllowedResourceIDs
	}
}

func Trial() func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.IsTrial = true
		s.Status = models.StatusTrial
	}
}

func WithAutopay(leadDays int) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.AutopayEnabled = true
		s.AutopayLeadDays = leadDays
	}
}

func WithSuspension(reason models.SuspensionReason) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.Status = models.StatusDisabled
		s.SuspensionReason = reason
	}
}

func WithLastCharge(at time.Time) func(*models.Subscription) {
	return func(s *models.Subscription) {
		at = at.UTC()
		s.LastDailyChargeAt = &at
	}
}

func WithRemoteID(id string) func(*models.Subscription) {
	return func(s *models.Subscription) {
		s.RemnawaveID = id
	}
}

// Reload reads the subscription back from the database.
func Reload(t *testing.T, db *gorm.DB, id uint) *models.Subscription {
	t.Helper()

	var sub models.Subscription
	if err := db.Preload("Plan").First(&sub, id).Error; err != nil {
		t.Fatalf("Failed to reload subscription %d: %v", id, err)
	}
	return &sub
}
