package lifecycle

import (
	"context"
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

// transitions lists the statuses reachable from each status.
var transitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.StatusPending:  {models.StatusActive, models.StatusTrial, models.StatusDisabled, models.StatusExpired},
	models.StatusTrial:    {models.StatusActive, models.StatusExpired, models.StatusDisabled},
	models.StatusActive:   {models.StatusExpired, models.StatusDisabled},
	models.StatusDisabled: {models.StatusActive, models.StatusTrial, models.StatusExpired},
	models.StatusExpired:  {models.StatusActive, models.StatusDisabled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.SubscriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RemoteDeleter removes a user from the remote panel.
type RemoteDeleter interface {
	DeleteUser(ctx context.Context, remoteID string) error
}

type StateMachine struct {
	DB       *gorm.DB
	Outbox   *provisioning.Outbox
	Remote   RemoteDeleter
	Settings config.Settings
	Now      func() time.Time
}

func NewStateMachine(db *gorm.DB, outbox *provisioning.Outbox, remote RemoteDeleter, settings config.Settings) *StateMachine {
	return &StateMachine{
		DB:       db,
		Outbox:   outbox,
		Remote:   remote,
		Settings: settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckAndReconcileStatus expires a lapsed active or trial subscription.
// Paused daily subscriptions and pending ones are left alone.
func (m *StateMachine) CheckAndReconcileStatus(ctx context.Context, id uint) (*models.Subscription, error) {
	return m.apply(ctx, id, "reconcile", func(sub *models.Subscription, now time.Time) (bool, error) {
		return reconcile(sub, now), nil
	})
}

func reconcile(sub *models.Subscription, now time.Time) bool {
	if sub.IsDailyPaused {
		return false
	}
	if sub.Status != models.StatusActive && sub.Status != models.StatusTrial {
		return false
	}
	if sub.EndDate.After(now) {
		return false
	}
	sub.Status = models.StatusExpired
	return true
}

// Activate moves a pending subscription live, as a trial when it is flagged as one.
func (m *StateMachine) Activate(ctx context.Context, id uint) (*models.Subscription, error) {
	return m.apply(ctx, id, "activate", func(sub *models.Subscription, now time.Time) (bool, error) {
		if sub.Status != models.StatusPending {
			return false, apperr.Transition("activate", string(sub.Status), "subscription is not pending")
		}
		if !sub.EndDate.After(now) {
			return false, apperr.Transition("activate", string(sub.Status), "end date is not in the future")
		}
		if sub.IsTrial {
			sub.Status = models.StatusTrial
		} else {
			sub.Status = models.StatusActive
		}
		if sub.StartDate.IsZero() {
			sub.StartDate = now
		}
		return true, nil
	})
}

// Deactivate disables the subscription regardless of its timeline.
func (m *StateMachine) Deactivate(ctx context.Context, id uint) (*models.Subscription, error) {
	return m.Suspend(ctx, id, models.SuspensionManual)
}

// Suspend disables the subscription and records why.
func (m *StateMachine) Suspend(ctx context.Context, id uint, reason models.SuspensionReason) (*models.Subscription, error) {
	return m.apply(ctx, id, "suspend", func(sub *models.Subscription, _ time.Time) (bool, error) {
		return suspend(sub, reason), nil
	})
}

// SuspendTx is Suspend on the caller's transaction.
func SuspendTx(ctx context.Context, tx *gorm.DB, outbox *provisioning.Outbox, sub *models.Subscription, reason models.SuspensionReason) error {
	if !suspend(sub, reason) {
		return nil
	}
	if err := repository.NewSubscriptionRepository(tx).Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	metrics.Get().Transitions.WithLabelValues(string(sub.Status), "suspend").Inc()
	return outbox.Enqueue(tx, sub.ID, "suspend")
}

func suspend(sub *models.Subscription, reason models.SuspensionReason) bool {
	if sub.Status == models.StatusDisabled && sub.SuspensionReason == reason {
		return false
	}
	sub.Status = models.StatusDisabled
	sub.SuspensionReason = reason
	return true
}

// Reactivate re-enables a disabled subscription whose window is still open.
// Anything else is a silent no-op.
func (m *StateMachine) Reactivate(ctx context.Context, id uint) (*models.Subscription, error) {
	return m.apply(ctx, id, "reactivate", func(sub *models.Subscription, now time.Time) (bool, error) {
		if sub.Status != models.StatusDisabled || !sub.EndDate.After(now) {
			return false, nil
		}
		// only the billing resume path, which charges first, lifts this one
		if sub.SuspensionReason == models.SuspensionInsufficientFunds {
			return false, nil
		}
		sub.Status = models.StatusActive
		sub.SuspensionReason = models.SuspensionNone
		return true, nil
	})
}

// Expire forces the expired status. Used by explicit admin cancels.
func (m *StateMachine) Expire(ctx context.Context, id uint) (*models.Subscription, error) {
	return m.apply(ctx, id, "expire", func(sub *models.Subscription, _ time.Time) (bool, error) {
		if sub.Status == models.StatusExpired {
			return false, nil
		}
		sub.Status = models.StatusExpired
		sub.SuspensionReason = models.SuspensionNone
		return true, nil
	})
}

// ReconcileExpired expires every lapsed subscription, skipping rows an external
// webhook touched within the guard window.
func (m *StateMachine) ReconcileExpired(ctx context.Context) (int, error) {
	now := m.Now()

	var ids []uint
	err := m.DB.WithContext(ctx).Model(&models.Subscription{}).
		Where("status IN ? AND is_daily_paused = ? AND end_date <= ?",
			[]models.SubscriptionStatus{models.StatusActive, models.StatusTrial}, false, now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find lapsed subscriptions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		changed := false
		_, err := m.apply(ctx, id, "reconcile", func(sub *models.Subscription, now time.Time) (bool, error) {
			if sub.InWebhookGuard(now, m.Settings.WebhookGuardWindow) {
				log.Debug().Uint("subscription_id", sub.ID).Msg("Skipping reconcile inside webhook guard window")
				return false, nil
			}
			changed = reconcile(sub, now)
			return changed, nil
		})
		if err != nil {
			log.Error().Err(err).Uint("subscription_id", id).Msg("Failed to reconcile subscription")
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// WebhookState is what an external panel event says about a subscription.
type WebhookState struct {
	Status  models.SubscriptionStatus
	EndDate *time.Time
}

// ApplyWebhook records an external event against the subscription and stamps
// the webhook guard. No sync is requested since the change came from the panel.
func (m *StateMachine) ApplyWebhook(ctx context.Context, id uint, state WebhookState) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		now := m.Now()
		if state.EndDate != nil {
			s.EndDate = state.EndDate.UTC()
		}
		if state.Status != "" && state.Status != s.Status && CanTransition(s.Status, state.Status) {
			metrics.Get().Transitions.WithLabelValues(string(state.Status), "webhook").Inc()
			s.Status = state.Status
			if state.Status == models.StatusDisabled {
				s.SuspensionReason = models.SuspensionManual
			} else {
				s.SuspensionReason = models.SuspensionNone
			}
		}
		s.LastWebhookUpdateAt = &now
		sub = s
		return repo.Save(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteTrial removes a trial that was never paid for, together with its add-ons.
func (m *StateMachine) DeleteTrial(ctx context.Context, id uint) error {
	var remoteID string
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := repository.NewSubscriptionRepository(tx).Lock(ctx, id)
		if err != nil {
			return err
		}
		if !sub.IsTrial {
			return apperr.Transition("delete trial", string(sub.Status), "subscription is not a trial")
		}
		remoteID = sub.RemnawaveID
		if err := tx.Where("subscription_id = ?", sub.ID).Delete(&models.QuotaPurchase{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subscription_id = ? AND status = ?", sub.ID, models.SyncPending).Delete(&models.SyncEvent{}).Error; err != nil {
			return err
		}
		return tx.Delete(sub).Error
	})
	if err != nil {
		return err
	}

	if remoteID != "" && m.Remote != nil {
		callCtx, cancel := context.WithTimeout(ctx, m.Settings.SyncTimeout)
		defer cancel()
		if err := m.Remote.DeleteUser(callCtx, remoteID); err != nil {
			log.Warn().Err(err).Uint("subscription_id", id).Msg("Failed to delete trial user from panel")
		}
	}
	log.Info().Uint("subscription_id", id).Msg("Trial subscription deleted")
	return nil
}

// apply runs fn on the locked subscription and, when it reports a change,
// saves and requests a provisioning sync in the same transaction.
func (m *StateMachine) apply(ctx context.Context, id uint, op string, fn func(*models.Subscription, time.Time) (bool, error)) (*models.Subscription, error) {
	var sub *models.Subscription
	changed := false
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := repository.NewSubscriptionRepository(tx)
		s, err := repo.Lock(ctx, id)
		if err != nil {
			return err
		}
		from := s.Status
		changed, err = fn(s, m.Now())
		if err != nil {
			return err
		}
		sub = s
		if !changed {
			return nil
		}
		if from != s.Status && !CanTransition(from, s.Status) {
			return apperr.Transition(op, string(from), "to "+string(s.Status)+" is not allowed")
		}
		if err := repo.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		return m.Outbox.Enqueue(tx, s.ID, op)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.Get().Transitions.WithLabelValues(string(sub.Status), op).Inc()
		log.Info().Uint("subscription_id", sub.ID).Str("status", string(sub.Status)).Str("op", op).Msg("Subscription status changed")
		m.Outbox.Notify()
	}
	return sub, nil
}
