// Package renewal extends and replaces subscription timelines.
package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/ledger"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/repository"
)

const day = 24 * time.Hour

// MarkerClearer forgets notifications already sent for a subscription's timeline.
type MarkerClearer interface {
	ClearMarkers(ctx context.Context, subscriptionID uint) error
}

type Processor struct {
	DB       *gorm.DB
	Outbox   *provisioning.Outbox
	Markers  MarkerClearer
	Settings config.Settings
	Now      func() time.Time
}

func NewProcessor(db *gorm.DB, outbox *provisioning.Outbox, markers MarkerClearer, settings config.Settings) *Processor {
	return &Processor{
		DB:       db,
		Outbox:   outbox,
		Markers:  markers,
		Settings: settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ExtendOptions carries the optional entitlement changes of an extension.
type ExtendOptions struct {
	NewPlanID      *uint
	NewQuotaBase   *int64
	NewDeviceLimit *int
	NewResourceIDs []string
}

// ReplaceOptions describes a brand new offer that overwrites the subscription.
type ReplaceOptions struct {
	DurationDays int
	QuotaBase    int64
	DeviceLimit  int
	ResourceIDs  []string
	IsTrial      bool
	PlanID       *uint
}

// Extend moves the subscription's end date by days and applies opts.
// A negative days value is a manual correction and never credits a bonus.
func (p *Processor) Extend(ctx context.Context, id uint, days int, opts ExtendOptions) (*models.Subscription, error) {
	var sub *models.Subscription
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := repository.NewSubscriptionRepository(tx).Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := p.ExtendTx(ctx, tx, s, days, opts); err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.AfterCommit(ctx, sub.ID)
	return sub, nil
}

// ExtendTx runs the extension on a subscription already locked in tx, saves it
// and enqueues a provisioning sync. Call AfterCommit once tx has committed.
func (p *Processor) ExtendTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, days int, opts ExtendOptions) error {
	now := p.Now()
	repo := repository.NewSubscriptionRepository(tx)

	isPlanChange := opts.NewPlanID != nil && (sub.PlanID == nil || *opts.NewPlanID != *sub.PlanID)
	var plan *models.Plan
	if isPlanChange {
		var err error
		plan, err = repo.GetPlan(ctx, *opts.NewPlanID)
		if err != nil {
			return err
		}
		if !plan.IsActive {
			return apperr.Transition("extend", string(sub.Status), "plan is not available")
		}
	}

	from := sub.Status
	wasDaily := sub.IsDailyPlan()
	span := time.Duration(days) * day

	switch {
	case days < 0:
		sub.EndDate = sub.EndDate.Add(span)
	case days == 0:
	case isPlanChange && sub.IsTrial:
		var bonus int
		if p.Settings.TrialRollover && sub.EndDate.After(now) {
			bonus = int(sub.EndDate.Sub(now) / day)
		}
		sub.EndDate = now.Add(time.Duration(days+bonus) * day)
		sub.StartDate = now
		if bonus > 0 {
			log.Info().Uint("subscription_id", sub.ID).Int("bonus_days", bonus).Msg("Trial remainder rolled into paid period")
		}
	case sub.EndDate.After(now):
		sub.EndDate = sub.EndDate.Add(span)
	default:
		sub.EndDate = now.Add(span)
		sub.StartDate = now
	}

	if days > 0 && (from == models.StatusExpired || from == models.StatusDisabled) {
		sub.Status = models.StatusActive
		sub.SuspensionReason = models.SuspensionNone
	}

	if isPlanChange {
		sub.PlanID = &plan.ID
		sub.Plan = plan
		if err := ledger.Clear(tx, sub); err != nil {
			return err
		}
		sub.TrafficLimitQuota = plan.BaseQuota
		if opts.NewQuotaBase != nil {
			sub.TrafficLimitQuota = *opts.NewQuotaBase
		}
		sub.DeviceLimit = plan.DeviceLimit
		sub.ConnectedResourceIDs = plan.AllowedResourceIDs
	} else if opts.NewQuotaBase != nil {
		sub.TrafficLimitQuota = *opts.NewQuotaBase
		if sub.TrafficLimitQuota > 0 {
			sub.TrafficLimitQuota += sub.PurchasedQuota
		}
	}
	if opts.NewDeviceLimit != nil {
		sub.DeviceLimit = *opts.NewDeviceLimit
	}
	if opts.NewResourceIDs != nil {
		sub.ConnectedResourceIDs = opts.NewResourceIDs
	}

	if isPlanChange && sub.IsTrial && days > 0 {
		sub.IsTrial = false
		if sub.Status == models.StatusTrial {
			sub.Status = models.StatusActive
		}
	}

	if wasDaily != sub.IsDailyPlan() {
		sub.IsDailyPaused = false
		sub.LastDailyChargeAt = nil
	}

	if err := repo.Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if sub.Status != from {
		metrics.Get().Transitions.WithLabelValues(string(sub.Status), "extend").Inc()
	}

	log.Info().
		Uint("subscription_id", sub.ID).
		Int("days", days).
		Bool("plan_change", isPlanChange).
		Time("end_date", sub.EndDate).
		Msg("Subscription extended")

	return p.Outbox.Enqueue(tx, sub.ID, "extend")
}

// Replace overwrites the subscription with a new offer, starting now.
func (p *Processor) Replace(ctx context.Context, id uint, opts ReplaceOptions) (*models.Subscription, error) {
	var sub *models.Subscription
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := repository.NewSubscriptionRepository(tx).Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := p.ReplaceTx(ctx, tx, s, opts); err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.AfterCommit(ctx, sub.ID)
	return sub, nil
}

// ReplaceTx is Replace on a subscription already locked in tx.
func (p *Processor) ReplaceTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, opts ReplaceOptions) error {
	if opts.DurationDays <= 0 {
		return apperr.Transition("replace", string(sub.Status), "duration must be positive")
	}

	var plan *models.Plan
	if opts.PlanID != nil {
		var err error
		plan, err = repository.NewSubscriptionRepository(tx).GetPlan(ctx, *opts.PlanID)
		if err != nil {
			return err
		}
	}

	now := p.Now()
	from := sub.Status

	sub.PlanID = opts.PlanID
	sub.Plan = plan
	sub.IsTrial = opts.IsTrial
	sub.Status = models.StatusActive
	if opts.IsTrial {
		sub.Status = models.StatusTrial
	}
	sub.SuspensionReason = models.SuspensionNone
	sub.StartDate = now
	sub.EndDate = now.Add(time.Duration(opts.DurationDays) * day)
	sub.TrafficLimitQuota = opts.QuotaBase
	sub.TrafficUsedQuota = 0
	sub.DeviceLimit = opts.DeviceLimit
	sub.ConnectedResourceIDs = opts.ResourceIDs
	sub.IsDailyPaused = false
	sub.LastDailyChargeAt = nil
	sub.RemnawaveID = ""
	sub.SubscriptionURL = ""

	if err := ledger.Clear(tx, sub); err != nil {
		return err
	}
	if err := repository.NewSubscriptionRepository(tx).Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if sub.Status != from {
		metrics.Get().Transitions.WithLabelValues(string(sub.Status), "replace").Inc()
	}

	log.Info().
		Uint("subscription_id", sub.ID).
		Int("days", opts.DurationDays).
		Bool("trial", opts.IsTrial).
		Msg("Subscription replaced")

	return p.Outbox.Enqueue(tx, sub.ID, "replace")
}

// AfterCommit drops stale notification markers and wakes the sync dispatcher.
// Marker failures are logged only, the timeline change is already committed.
func (p *Processor) AfterCommit(ctx context.Context, subscriptionID uint) {
	if p.Markers != nil {
		if err := p.Markers.ClearMarkers(ctx, subscriptionID); err != nil {
			log.Warn().Err(err).Uint("subscription_id", subscriptionID).Msg("Failed to clear notification markers")
		}
	}
	p.Outbox.Notify()
}
