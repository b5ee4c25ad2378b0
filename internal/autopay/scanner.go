// Package autopay finds subscriptions due for automatic renewal and renews them
// from the owner's balance.
package autopay

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vpn-subscriptions/internal/models"
)

const day = 24 * time.Hour

// Scanner selects autopay candidates. It never writes.
type Scanner struct {
	DB *gorm.DB
	// PeriodDays is the length of one autopay renewal.
	PeriodDays int
	Now        func() time.Time
}

func NewScanner(db *gorm.DB, periodDays int) *Scanner {
	return &Scanner{
		DB:         db,
		PeriodDays: periodDays,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Candidates returns active, non-trial, non-daily subscriptions with autopay on
// whose end date falls within their lead window.
func (s *Scanner) Candidates(ctx context.Context) ([]models.Subscription, error) {
	now := s.Now()

	var subs []models.Subscription
	err := s.DB.WithContext(ctx).
		Select("subscriptions.*").
		Joins("LEFT JOIN plans ON plans.id = subscriptions.plan_id").
		Where("subscriptions.status = ? AND subscriptions.autopay_enabled = ? AND subscriptions.is_trial = ?",
			models.StatusActive, true, false).
		Where("subscriptions.end_date > ?", now).
		Where("(subscriptions.plan_id IS NULL OR plans.is_daily = ?)", false).
		Preload("Plan").
		Order("subscriptions.end_date").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select autopay candidates: %w", err)
	}

	out := subs[:0]
	for i := range subs {
		if Eligible(&subs[i], now, s.PeriodDays) {
			out = append(out, subs[i])
		}
	}
	return out, nil
}

// Eligible applies the full candidate predicate to one subscription.
// The Plan association must be loaded.
func Eligible(sub *models.Subscription, now time.Time, periodDays int) bool {
	if sub.Status != models.StatusActive || !sub.AutopayEnabled || sub.IsTrial || sub.IsDailyPlan() {
		return false
	}
	if !sub.EndDate.After(now) {
		return false
	}
	return DaysLeft(sub.EndDate, now) <= LeadDays(sub.AutopayLeadDays, periodDays)
}

// LeadDays caps a lead window below the renewal period, so one renewal always
// moves the end date out of the window.
func LeadDays(lead, periodDays int) int {
	if periodDays > 0 && lead >= periodDays {
		lead = periodDays - 1
	}
	return max(lead, 0)
}

// DaysLeft is the number of whole days between now and end.
func DaysLeft(end, now time.Time) int {
	return int(end.Sub(now) / day)
}
