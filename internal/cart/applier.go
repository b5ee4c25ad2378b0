package cart

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
	"vpn-subscriptions/internal/ledger"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/renewal"
	"vpn-subscriptions/internal/repository"
)

// Applier prices a cart, debits the owner and applies it in one transaction.
type Applier struct {
	DB        *gorm.DB
	Processor *renewal.Processor
	Outbox    *provisioning.Outbox
	Settings  config.Settings
	Now       func() time.Time
}

func NewApplier(db *gorm.DB, processor *renewal.Processor, outbox *provisioning.Outbox, settings config.Settings) *Applier {
	return &Applier{
		DB:        db,
		Processor: processor,
		Outbox:    outbox,
		Settings:  settings,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Quote returns what the cart would cost the user right now.
func (a *Applier) Quote(ctx context.Context, userID uint, c Cart) (int64, error) {
	repo := repository.NewSubscriptionRepository(a.DB)
	sub, err := repo.GetByUserID(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		sub = &models.Subscription{UserID: userID}
	} else if err != nil {
		return 0, err
	}
	return a.price(ctx, repo, sub, c)
}

// Apply pays for and applies the cart. A missing subscription is created for
// the purchase modes; device and quota add-ons need an existing one.
func (a *Applier) Apply(ctx context.Context, userID uint, c Cart) (*models.Subscription, error) {
	var sub *models.Subscription
	timelineChanged := false

	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		now := a.Now()

		s, err := repo.LockByUserID(ctx, userID)
		if errors.Is(err, apperr.ErrNotFound) && createsSubscription(c) {
			s = &models.Subscription{
				UserID:          userID,
				Status:          models.StatusActive,
				StartDate:       now,
				EndDate:         now,
				DeviceLimit:     1,
				AutopayLeadDays: a.Settings.DefaultAutopayLeadDays,
			}
			if err := repo.Create(ctx, s); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
		} else if err != nil {
			return err
		}

		price, err := a.price(ctx, repo, s, c)
		if err != nil {
			return err
		}
		if err := balance.Debit(tx, userID, price); err != nil {
			return err
		}

		switch v := c.(type) {
		case Extend:
			timelineChanged = true
			err = a.Processor.ExtendTx(ctx, tx, s, v.Days, renewal.ExtendOptions{})
		case PlanPurchase:
			timelineChanged = true
			err = a.Processor.ExtendTx(ctx, tx, s, v.Days, renewal.ExtendOptions{NewPlanID: &v.PlanID})
		case DailyPlanPurchase:
			timelineChanged = true
			err = a.applyDailyPlan(ctx, tx, s, v, now)
		case AddDevices:
			s.DeviceLimit += v.Count
			err = a.save(ctx, tx, s, "add_devices")
		case AddQuota:
			if err = ledger.Grant(tx, s, v.Amount, now, a.Settings.QuotaGrantWindow); err == nil {
				err = a.save(ctx, tx, s, "add_quota")
			}
		}
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if timelineChanged {
		a.Processor.AfterCommit(ctx, sub.ID)
	} else {
		a.Outbox.Notify()
	}
	log.Info().Uint("user_id", userID).Uint("subscription_id", sub.ID).Str("mode", string(c.Mode())).Msg("Cart applied")
	return sub, nil
}

func createsSubscription(c Cart) bool {
	switch c.(type) {
	case Extend, PlanPurchase, DailyPlanPurchase:
		return true
	}
	return false
}

// applyDailyPlan switches to the daily plan and records the first day as paid.
func (a *Applier) applyDailyPlan(ctx context.Context, tx *gorm.DB, sub *models.Subscription, c DailyPlanPurchase, now time.Time) error {
	if err := a.Processor.ExtendTx(ctx, tx, sub, 1, renewal.ExtendOptions{NewPlanID: &c.PlanID}); err != nil {
		return err
	}
	sub.LastDailyChargeAt = &now
	return repository.NewSubscriptionRepository(tx).Save(ctx, sub)
}

func (a *Applier) save(ctx context.Context, tx *gorm.DB, sub *models.Subscription, reason string) error {
	if err := repository.NewSubscriptionRepository(tx).Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return a.Outbox.Enqueue(tx, sub.ID, reason)
}

func (a *Applier) price(ctx context.Context, repo *repository.SubscriptionRepository, sub *models.Subscription, c Cart) (int64, error) {
	switch v := c.(type) {
	case Extend:
		if sub.Plan != nil {
			if sub.Plan.IsDaily {
				return 0, apperr.Transition("extend", string(sub.Status), "daily plans are billed per day")
			}
			return periodPrice(sub.Plan, v.Days)
		}
		p, ok := a.Settings.LegacyPrice(v.Days)
		if !ok {
			return 0, apperr.Transition("extend", string(sub.Status), fmt.Sprintf("no price for %d days", v.Days))
		}
		return p, nil

	case PlanPurchase:
		plan, err := a.purchasablePlan(ctx, repo, v.PlanID, false)
		if err != nil {
			return 0, err
		}
		return periodPrice(plan, v.Days)

	case DailyPlanPurchase:
		plan, err := a.purchasablePlan(ctx, repo, v.PlanID, true)
		if err != nil {
			return 0, err
		}
		return plan.DailyPrice, nil

	case AddDevices:
		if sub.ID == 0 {
			return 0, fmt.Errorf("subscription: %w", apperr.ErrNotFound)
		}
		return a.Settings.DevicePrice * int64(v.Count), nil

	case AddQuota:
		if sub.ID == 0 {
			return 0, fmt.Errorf("subscription: %w", apperr.ErrNotFound)
		}
		if sub.TrafficLimitQuota == 0 {
			return 0, apperr.Transition("add quota", string(sub.Status), "traffic is unlimited")
		}
		return a.Settings.QuotaUnitPrice * v.Amount, nil
	}
	return 0, invalid(fmt.Sprintf("unsupported cart %T", c))
}

func (a *Applier) purchasablePlan(ctx context.Context, repo *repository.SubscriptionRepository, id uint, daily bool) (*models.Plan, error) {
	plan, err := repo.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, apperr.Transition("purchase", "", "plan is not available")
	}
	if plan.IsDaily != daily {
		return nil, apperr.Transition("purchase", "", "plan billing does not match the cart")
	}
	return plan, nil
}

func periodPrice(plan *models.Plan, days int) (int64, error) {
	p, ok := plan.PriceFor(days)
	if !ok {
		return 0, apperr.Transition("purchase", "", fmt.Sprintf("plan %d has no price for %d days", plan.ID, days))
	}
	return p, nil
}
