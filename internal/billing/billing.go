// Package billing charges daily plans from the user's balance and handles
// user-initiated pause and resume.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/balance"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/lifecycle"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/repository"
)

// Outcome is the result of a single charge attempt.
type Outcome string

const (
	OutcomeCharged   Outcome = "charged"
	OutcomeSuspended Outcome = "suspended"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// CycleResult counts what a billing run did.
type CycleResult struct {
	Charged   int
	Suspended int
	Skipped   int
	Failed    int
}

type Engine struct {
	DB       *gorm.DB
	Outbox   *provisioning.Outbox
	Settings config.Settings
	Now      func() time.Time
}

func NewEngine(db *gorm.DB, outbox *provisioning.Outbox, settings config.Settings) *Engine {
	return &Engine{
		DB:       db,
		Outbox:   outbox,
		Settings: settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// DueSubscriptions returns active daily subscriptions that owe a charge.
func (e *Engine) DueSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	cutoff := e.Now().Add(-e.Settings.DailyPeriod)

	var subs []models.Subscription
	err := e.DB.WithContext(ctx).
		Select("subscriptions.*").
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Where("plans.is_daily = ? AND plans.is_active = ?", true, true).
		Where("subscriptions.status = ? AND subscriptions.is_daily_paused = ? AND subscriptions.is_trial = ?",
			models.StatusActive, false, false).
		Where("(subscriptions.last_daily_charge_at IS NULL OR subscriptions.last_daily_charge_at < ?)", cutoff).
		Preload("Plan").
		Order("subscriptions.id").
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to select due subscriptions: %w", err)
	}
	return subs, nil
}

// isDue repeats the selection predicate on a locked row.
func (e *Engine) isDue(sub *models.Subscription, now time.Time) bool {
	if sub.Plan == nil || !sub.Plan.IsDaily || !sub.Plan.IsActive {
		return false
	}
	if sub.Status != models.StatusActive || sub.IsDailyPaused || sub.IsTrial {
		return false
	}
	return sub.LastDailyChargeAt == nil || sub.LastDailyChargeAt.Before(now.Add(-e.Settings.DailyPeriod))
}

// Charge takes one daily payment for the subscription. When the balance is short
// the subscription is suspended for insufficient funds instead; that is an
// outcome, not an error.
func (e *Engine) Charge(ctx context.Context, id uint) (Outcome, *models.Subscription, error) {
	outcome := OutcomeSkipped
	var sub *models.Subscription
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		sub = s

		now := e.Now()
		if !e.isDue(s, now) {
			return nil
		}

		err = balance.Debit(tx, s.UserID, s.Plan.DailyPrice)
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			outcome = OutcomeSuspended
			return lifecycle.SuspendTx(ctx, tx, e.Outbox, s, models.SuspensionInsufficientFunds)
		}
		if err != nil {
			return err
		}

		s.LastDailyChargeAt = &now
		if next := now.Add(e.Settings.DailyPeriod); s.EndDate.Before(next) {
			s.EndDate = next
		}
		if err := repo.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		outcome = OutcomeCharged
		return e.Outbox.Enqueue(tx, s.ID, "daily_charge")
	})
	if err != nil {
		return OutcomeFailed, nil, err
	}

	if outcome != OutcomeSkipped {
		e.Outbox.Notify()
	}
	return outcome, sub, nil
}

// RunCycle charges every due subscription. A failure on one row does not stop
// the others.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	subs, err := e.DueSubscriptions(ctx)
	if err != nil {
		return res, err
	}

	for i := range subs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, _, err := e.Charge(ctx, subs[i].ID)
		metrics.Get().DailyCharges.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case OutcomeCharged:
			res.Charged++
		case OutcomeSuspended:
			res.Suspended++
			log.Info().Uint("subscription_id", subs[i].ID).Uint("user_id", subs[i].UserID).Msg("Daily subscription suspended for insufficient funds")
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Failed++
			log.Error().Err(err).Uint("subscription_id", subs[i].ID).Msg("Failed to charge daily subscription")
		}
	}

	log.Info().
		Int("charged", res.Charged).
		Int("suspended", res.Suspended).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Daily billing cycle finished")
	return res, nil
}

// Pause freezes a daily subscription. Status and timers are left untouched.
func (e *Engine) Pause(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub *models.Subscription
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !s.IsDailyPlan() {
			return apperr.Transition("pause", string(s.Status), "subscription is not on a daily plan")
		}
		sub = s
		if s.IsDailyPaused {
			return nil
		}
		s.IsDailyPaused = true
		return repo.Save(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Resume clears the pause flag. A subscription suspended for insufficient funds
// is also paid for and restarted: one daily price is debited, the status goes
// back to active and a fresh day starts now.
func (e *Engine) Resume(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub *models.Subscription
	restarted := false
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !s.IsDailyPlan() {
			return apperr.Transition("resume", string(s.Status), "subscription is not on a daily plan")
		}
		sub = s

		changed := s.IsDailyPaused
		s.IsDailyPaused = false

		if s.Status == models.StatusDisabled && s.SuspensionReason == models.SuspensionInsufficientFunds {
			if err := balance.Debit(tx, s.UserID, s.Plan.DailyPrice); err != nil {
				return err
			}
			now := e.Now()
			s.Status = models.StatusActive
			s.SuspensionReason = models.SuspensionNone
			s.LastDailyChargeAt = &now
			s.EndDate = now.Add(e.Settings.DailyPeriod)
			changed = true
			restarted = true
		}

		if !changed {
			return nil
		}
		if err := repo.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		if restarted {
			return e.Outbox.Enqueue(tx, s.ID, "resume")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if restarted {
		metrics.Get().Transitions.WithLabelValues(string(models.StatusActive), "resume").Inc()
		metrics.Get().DailyCharges.WithLabelValues(string(OutcomeCharged)).Inc()
		log.Info().Uint("subscription_id", sub.ID).Msg("Daily subscription resumed after funding gap")
		e.Outbox.Notify()
	}
	return sub, nil
}

// Toggle resumes a paused subscription and pauses a running one.
func (e *Engine) Toggle(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, err := repository.NewSubscriptionRepository(e.DB).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsDailyPaused {
		return e.Resume(ctx, id)
	}
	return e.Pause(ctx, id)
}

// RunResumeScan restarts subscriptions suspended for insufficient funds whose
// owner can now afford a day.
func (e *Engine) RunResumeScan(ctx context.Context) (int, error) {
	var ids []uint
	err := e.DB.WithContext(ctx).Model(&models.Subscription{}).
		Joins("JOIN plans ON plans.id = subscriptions.plan_id").
		Joins("JOIN users ON users.id = subscriptions.user_id").
		Where("subscriptions.status = ? AND subscriptions.suspension_reason = ?",
			models.StatusDisabled, models.SuspensionInsufficientFunds).
		Where("plans.is_daily = ? AND plans.is_active = ?", true, true).
		Where("users.balance >= plans.daily_price").
		Order("subscriptions.id").
		Pluck("subscriptions.id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select suspended subscriptions: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		if _, err := e.Resume(ctx, id); err != nil {
			log.Warn().Err(err).Uint("subscription_id", id).Msg("Failed to resume suspended subscription")
			continue
		}
		resumed++
	}
	return resumed, nil
}
