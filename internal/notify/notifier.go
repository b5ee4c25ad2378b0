package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/models"
)

// Sender is the part of *telego.Bot the notifier needs.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

const (
	expiringText = "⚠️ Ваша подписка истекает %s. Продлите её, чтобы не потерять доступ."
	expiredText  = "❌ Ваша подписка истекла. Доступ к VPN заблокирован. Продлите подписку в меню «Купить VPN»."

	// expired notices are only sent for subscriptions that lapsed this recently
	expiredLookback = 48 * time.Hour
)

type Notifier struct {
	DB       *gorm.DB
	Markers  *MarkerStore
	Sender   Sender
	Settings config.Settings
	Now      func() time.Time
}

func NewNotifier(db *gorm.DB, markers *MarkerStore, sender Sender, settings config.Settings) *Notifier {
	return &Notifier{
		DB:       db,
		Markers:  markers,
		Sender:   sender,
		Settings: settings,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sends both notice kinds and returns how many messages went out.
func (n *Notifier) Run(ctx context.Context) (int, error) {
	expiring, err := n.NotifyExpiring(ctx)
	if err != nil {
		return expiring, err
	}
	expired, err := n.NotifyExpired(ctx)
	return expiring + expired, err
}

// NotifyExpiring warns owners of live subscriptions ending within the notice lead.
// Daily plans renew every day and are skipped.
func (n *Notifier) NotifyExpiring(ctx context.Context) (int, error) {
	now := n.Now()

	var subs []models.Subscription
	err := n.selectNonDaily(ctx).
		Where("subscriptions.status IN ?", []models.SubscriptionStatus{models.StatusActive, models.StatusTrial}).
		Where("subscriptions.end_date > ? AND subscriptions.end_date <= ?", now, now.Add(n.Settings.ExpiryNoticeLead)).
		Find(&subs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}

	sent := 0
	for i := range subs {
		text := fmt.Sprintf(expiringText, subs[i].EndDate.Format("02.01.2006 15:04 UTC"))
		if n.send(ctx, KindExpiring, &subs[i], text) {
			sent++
		}
	}
	return sent, nil
}

// NotifyExpired tells owners their subscription has lapsed.
func (n *Notifier) NotifyExpired(ctx context.Context) (int, error) {
	now := n.Now()

	var subs []models.Subscription
	err := n.selectNonDaily(ctx).
		Where("subscriptions.status = ?", models.StatusExpired).
		Where("subscriptions.end_date > ? AND subscriptions.end_date <= ?", now.Add(-expiredLookback), now).
		Find(&subs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}

	sent := 0
	for i := range subs {
		if n.send(ctx, KindExpired, &subs[i], expiredText) {
			sent++
		}
	}
	return sent, nil
}

func (n *Notifier) selectNonDaily(ctx context.Context) *gorm.DB {
	return n.DB.WithContext(ctx).
		Select("subscriptions.*").
		Joins("LEFT JOIN plans ON plans.id = subscriptions.plan_id").
		Where("(subscriptions.plan_id IS NULL OR plans.is_daily = ?)", false).
		Preload("User")
}

func (n *Notifier) send(ctx context.Context, kind Kind, sub *models.Subscription, text string) bool {
	if sub.User == nil {
		return false
	}

	first, err := n.Markers.Mark(ctx, kind, sub.ID)
	if err != nil {
		log.Error().Err(err).Uint("subscription_id", sub.ID).Msg("Failed to set notification marker")
		return false
	}
	if !first {
		return false
	}

	if _, err := n.Sender.SendMessage(ctx, tu.Message(tu.ID(sub.User.TelegramID), text)); err != nil {
		log.Warn().Err(err).Int64("telegram_id", sub.User.TelegramID).Str("kind", string(kind)).Msg("Failed to send notification")
		if err := n.Markers.Unmark(ctx, kind, sub.ID); err != nil {
			log.Error().Err(err).Uint("subscription_id", sub.ID).Msg("Failed to roll back notification marker")
		}
		return false
	}

	log.Info().Int64("telegram_id", sub.User.TelegramID).Str("kind", string(kind)).Msg("Notification sent")
	return true
}
