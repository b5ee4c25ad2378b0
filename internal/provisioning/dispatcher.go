package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/remnawave"
)

// PanelClient is the remote network-access panel.
type PanelClient interface {
	UpsertUser(ctx context.Context, remoteID string, spec remnawave.UserSpec) (*remnawave.UserResponse, error)
	FindUserByExternalKey(ctx context.Context, key remnawave.ExternalKey) (string, error)
}

type Dispatcher struct {
	DB       *gorm.DB
	Panel    PanelClient
	Outbox   *Outbox
	Settings config.Settings
	// SquadIDs is used when a subscription has no connected resources of its own.
	SquadIDs []string
	// Limiter paces calls to the panel. Nil means unlimited.
	Limiter *rate.Limiter
	Now     func() time.Time
}

func NewDispatcher(db *gorm.DB, panel PanelClient, outbox *Outbox, settings config.Settings, defaultSquad string) *Dispatcher {
	var squads []string
	if defaultSquad != "" {
		squads = []string{defaultSquad}
	}
	return &Dispatcher{
		DB:       db,
		Panel:    panel,
		Outbox:   outbox,
		Settings: settings,
		SquadIDs: squads,
		Limiter:  newLimiter(settings),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func newLimiter(settings config.Settings) *rate.Limiter {
	if settings.SyncRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(settings.SyncRateLimit), max(settings.SyncRateBurst, 1))
}

// Run dispatches on every tick and every outbox wake-up until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Settings.SyncInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if d.Outbox != nil {
		wake = d.Outbox.Wake
	}

	log.Info().Msg("Provisioning sync dispatcher started")
	for {
		if _, err := d.DispatchPending(ctx); err != nil {
			log.Error().Err(err).Msg("Sync dispatch cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// DispatchPending pushes due outbox events and returns how many succeeded.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	now := d.Now()

	var events []models.SyncEvent
	err := d.DB.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.SyncPending, now).
		Order("next_attempt_at").
		Limit(d.Settings.SyncBatchSize).
		Find(&events).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load sync events: %w", err)
	}

	done := 0
	for i := range events {
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				break
			}
		} else if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, &events[i]) {
			done++
		}
	}
	return done, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.SyncEvent) bool {
	m := metrics.Get()

	err := d.syncSubscription(ctx, ev.SubscriptionID)
	if err == nil {
		m.SyncAttempts.WithLabelValues("ok").Inc()
		settled, err := d.settle(ctx, ev, map[string]interface{}{
			"status":     models.SyncDone,
			"attempts":   ev.Attempts + 1,
			"last_error": "",
		})
		if err != nil {
			log.Error().Err(err).Uint("event_id", ev.ID).Msg("Failed to mark sync event done")
		}
		if !settled {
			log.Debug().Uint("subscription_id", ev.SubscriptionID).Msg("Subscription changed during sync, event left pending")
		}
		return true
	}

	attempts := ev.Attempts + 1
	updates := map[string]interface{}{
		"attempts":        attempts,
		"last_error":      truncate(err.Error(), 1024),
		"next_attempt_at": d.Now().Add(d.backoff(attempts)),
	}
	outcome := "retry"
	if errors.Is(err, errGone) {
		updates["status"] = models.SyncDone
		outcome = "gone"
	} else if attempts >= d.Settings.SyncMaxAttempts {
		updates["status"] = models.SyncFailed
		outcome = "failed"
	}
	m.SyncAttempts.WithLabelValues(outcome).Inc()

	log.Warn().Err(err).
		Uint("subscription_id", ev.SubscriptionID).
		Int("attempt", attempts).
		Str("outcome", outcome).
		Msg("Provisioning sync failed")

	if _, err := d.settle(ctx, ev, updates); err != nil {
		log.Error().Err(err).Uint("event_id", ev.ID).Msg("Failed to record sync failure")
	}
	return false
}

// settle writes the dispatch result only if the event was not re-enqueued
// while the panel call was in flight. A re-enqueued event stays pending and
// due, so the newer state is pushed on the next pass.
func (d *Dispatcher) settle(ctx context.Context, ev *models.SyncEvent, updates map[string]interface{}) (bool, error) {
	res := d.DB.WithContext(ctx).Model(&models.SyncEvent{}).
		Where("id = ? AND revision = ?", ev.ID, ev.Revision).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

var errGone = errors.New("subscription no longer exists")

func (d *Dispatcher) syncSubscription(ctx context.Context, subscriptionID uint) error {
	var sub models.Subscription
	err := d.DB.WithContext(ctx).Preload("User").First(&sub, subscriptionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errGone
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.User == nil {
		return fmt.Errorf("subscription %d has no user", sub.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Settings.SyncTimeout)
	defer cancel()

	remoteID := sub.RemnawaveID
	if remoteID == "" {
		key := remnawave.ExternalKey{TelegramID: sub.User.TelegramID}
		if sub.User.Email != nil {
			key.Email = *sub.User.Email
		}
		remoteID, err = d.Panel.FindUserByExternalKey(callCtx, key)
		if err != nil {
			return err
		}
	}

	user, err := d.Panel.UpsertUser(callCtx, remoteID, d.BuildSpec(&sub))
	if err != nil {
		return err
	}

	if user.UUID != sub.RemnawaveID || (user.SubscriptionURL != "" && user.SubscriptionURL != sub.SubscriptionURL) {
		updates := map[string]interface{}{"remnawave_id": user.UUID}
		if user.SubscriptionURL != "" {
			updates["subscription_url"] = user.SubscriptionURL
		}
		if err := d.DB.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			UpdateColumns(updates).Error; err != nil {
			return fmt.Errorf("failed to store remote id: %w", err)
		}
	}
	return nil
}

// BuildSpec maps the committed subscription row onto the panel user.
func (d *Dispatcher) BuildSpec(sub *models.Subscription) remnawave.UserSpec {
	spec := remnawave.UserSpec{
		Status:            PanelStatus(sub.Status),
		TrafficLimitBytes: sub.TrafficLimitQuota * d.Settings.QuotaUnitBytes,
		ExpireAt:          sub.EndDate,
		SquadIDs:          sub.ConnectedResourceIDs,
		DeviceLimit:       sub.DeviceLimit,
	}
	if len(spec.SquadIDs) == 0 {
		spec.SquadIDs = d.SquadIDs
	}
	if sub.User != nil {
		spec.Username = fmt.Sprintf("user_%d", sub.User.TelegramID)
		spec.TelegramID = sub.User.TelegramID
		if sub.User.Email != nil {
			spec.Email = *sub.User.Email
		}
	}
	if sub.Status == models.StatusPending {
		// the panel requires an expiry even for users that are not live yet
		spec.ExpireAt = d.Now()
	}
	return spec
}

// PanelStatus maps a local status onto the panel's vocabulary.
func PanelStatus(status models.SubscriptionStatus) string {
	switch status {
	case models.StatusActive, models.StatusTrial:
		return remnawave.StatusActive
	case models.StatusExpired:
		return remnawave.StatusExpired
	default:
		return remnawave.StatusDisabled
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := d.Settings.SyncBaseBackoff
	if base <= 0 {
		base = 30 * time.Second
	}
	shift := attempts - 1
	if shift > 10 {
		shift = 10
	}
	return base << shift
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
