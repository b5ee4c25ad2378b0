// Package ledger tracks traffic add-ons (quota purchases), each with its own expiry.
//
// The subscription caches the sum of unexpired grants in PurchasedQuota and the
// earliest unexpired expiry in TrafficResetAt. Both are recomputed from the
// purchase rows on every mutation; a stale cache is corrected and logged.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/repository"
)

const day = 24 * time.Hour

type Ledger struct {
	DB       *gorm.DB
	Outbox   *provisioning.Outbox
	Settings config.Settings
	Now      func() time.Time
}

func New(db *gorm.DB, outbox *provisioning.Outbox, settings config.Settings) *Ledger {
	return &Ledger{
		DB:       db,
		Outbox:   outbox,
		Settings: settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// PurchaseView is a quota purchase annotated for display.
type PurchaseView struct {
	models.QuotaPurchase
	DaysRemaining int
	IsExpired     bool
}

func (l *Ledger) GrantQuota(ctx context.Context, subscriptionID uint, amount int64) (*models.Subscription, error) {
	return l.mutate(ctx, subscriptionID, "grant_quota", func(tx *gorm.DB, sub *models.Subscription, now time.Time) error {
		return Grant(tx, sub, amount, now, l.Settings.QuotaGrantWindow)
	})
}

func (l *Ledger) RevokeQuotaGrant(ctx context.Context, subscriptionID, purchaseID uint) (*models.Subscription, error) {
	return l.mutate(ctx, subscriptionID, "revoke_quota", func(tx *gorm.DB, sub *models.Subscription, now time.Time) error {
		var p models.QuotaPurchase
		err := tx.Where("id = ? AND subscription_id = ?", purchaseID, sub.ID).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("quota purchase %d: %w", purchaseID, apperr.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&p).Error; err != nil {
			return fmt.Errorf("failed to delete quota purchase: %w", err)
		}

		sub.TrafficLimitQuota = max(sub.TrafficLimitQuota-p.GrantedAmount, 0)
		return Recompute(tx, sub, now, -p.GrantedAmount)
	})
}

func (l *Ledger) ListActivePurchases(ctx context.Context, subscriptionID uint) ([]PurchaseView, error) {
	if _, err := repository.NewSubscriptionRepository(l.DB).GetByID(ctx, subscriptionID); err != nil {
		return nil, err
	}

	now := l.Now()
	var purchases []models.QuotaPurchase
	err := l.DB.WithContext(ctx).
		Where("subscription_id = ? AND expires_at > ?", subscriptionID, now).
		Order("expires_at").
		Find(&purchases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list quota purchases: %w", err)
	}

	views := make([]PurchaseView, 0, len(purchases))
	for _, p := range purchases {
		left := p.ExpiresAt.Sub(now)
		views = append(views, PurchaseView{
			QuotaPurchase: p,
			DaysRemaining: max(0, int(left/day)),
			IsExpired:     left <= 0,
		})
	}
	return views, nil
}

// ExpireLapsedGrants removes add-ons whose window has closed and takes their
// quota back off the subscription limit.
func (l *Ledger) ExpireLapsedGrants(ctx context.Context) (int, error) {
	now := l.Now()

	var ids []uint
	err := l.DB.WithContext(ctx).Model(&models.Subscription{}).
		Where("traffic_reset_at IS NOT NULL AND traffic_reset_at <= ?", now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find lapsed grants: %w", err)
	}

	processed := 0
	for _, id := range ids {
		_, err := l.mutate(ctx, id, "quota_expired", func(tx *gorm.DB, sub *models.Subscription, now time.Time) error {
			return Recompute(tx, sub, now, 0)
		})
		if err != nil {
			log.Error().Err(err).Uint("subscription_id", id).Msg("Failed to expire lapsed quota grants")
			continue
		}
		processed++
	}
	return processed, nil
}

func (l *Ledger) mutate(ctx context.Context, id uint, reason string, fn func(*gorm.DB, *models.Subscription, time.Time) error) (*models.Subscription, error) {
	var sub *models.Subscription
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, s, l.Now()); err != nil {
			return err
		}
		if err := repo.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		sub = s
		return l.Outbox.Enqueue(tx, s.ID, reason)
	})
	if err != nil {
		return nil, err
	}
	l.Outbox.Notify()
	return sub, nil
}

// Grant adds a quota purchase to sub on tx and sweeps lapsed ones. The caller
// saves sub.
func Grant(tx *gorm.DB, sub *models.Subscription, amount int64, now time.Time, window time.Duration) error {
	if amount <= 0 {
		return apperr.Transition("grant quota", string(sub.Status), "amount must be positive")
	}

	p := models.QuotaPurchase{
		SubscriptionID: sub.ID,
		GrantedAmount:  amount,
		ExpiresAt:      now.Add(window),
		CreatedAt:      now,
	}
	if err := tx.Create(&p).Error; err != nil {
		return fmt.Errorf("failed to create quota purchase: %w", err)
	}

	sub.TrafficLimitQuota += amount
	return Recompute(tx, sub, now, amount)
}

// Clear drops every quota purchase of sub on tx. The caller saves sub.
func Clear(tx *gorm.DB, sub *models.Subscription) error {
	if err := tx.Where("subscription_id = ?", sub.ID).Delete(&models.QuotaPurchase{}).Error; err != nil {
		return fmt.Errorf("failed to clear quota purchases: %w", err)
	}
	sub.PurchasedQuota = 0
	sub.TrafficResetAt = nil
	return nil
}

// sweepLapsed deletes purchases whose window has closed and takes their
// quota off both the limit and the cached sum. It returns the quota removed.
func sweepLapsed(tx *gorm.DB, sub *models.Subscription, now time.Time) (int64, error) {
	var lapsed []models.QuotaPurchase
	if err := tx.Where("subscription_id = ? AND expires_at <= ?", sub.ID, now).Find(&lapsed).Error; err != nil {
		return 0, fmt.Errorf("failed to load lapsed purchases: %w", err)
	}
	if len(lapsed) == 0 {
		return 0, nil
	}
	if err := tx.Delete(&lapsed).Error; err != nil {
		return 0, fmt.Errorf("failed to delete lapsed purchases: %w", err)
	}

	var total int64
	for _, p := range lapsed {
		total += p.GrantedAmount
	}
	sub.TrafficLimitQuota = max(sub.TrafficLimitQuota-total, 0)
	sub.PurchasedQuota = max(sub.PurchasedQuota-total, 0)
	log.Debug().Uint("subscription_id", sub.ID).Int64("quota", total).Int("purchases", len(lapsed)).Msg("Lapsed quota grants swept")
	return total, nil
}

// Recompute sweeps lapsed purchases, then rebuilds the cached purchase sum and
// reset time from the remaining rows. delta is the change the caller expects
// relative to the cached sum.
func Recompute(tx *gorm.DB, sub *models.Subscription, now time.Time, delta int64) error {
	if _, err := sweepLapsed(tx, sub, now); err != nil {
		return err
	}

	var active []models.QuotaPurchase
	if err := tx.Where("subscription_id = ? AND expires_at > ?", sub.ID, now).Find(&active).Error; err != nil {
		return fmt.Errorf("failed to load quota purchases: %w", err)
	}

	var sum int64
	var resetAt *time.Time
	for i := range active {
		sum += active[i].GrantedAmount
		if resetAt == nil || active[i].ExpiresAt.Before(*resetAt) {
			t := active[i].ExpiresAt
			resetAt = &t
		}
	}

	if expected := sub.PurchasedQuota + delta; expected != sum {
		metrics.Get().InvariantCorrections.WithLabelValues("purchased_quota").Inc()
		log.Warn().
			Err(apperr.ErrInvariantViolation).
			Uint("subscription_id", sub.ID).
			Int64("cached", expected).
			Int64("recomputed", sum).
			Msg("Purchased quota cache disagreed with ledger, corrected")
	}

	sub.PurchasedQuota = sum
	sub.TrafficResetAt = resetAt

	if sum == 0 && sub.Plan != nil && sub.TrafficLimitQuota < sub.Plan.BaseQuota {
		sub.TrafficLimitQuota = sub.Plan.BaseQuota
	}
	return nil
}
