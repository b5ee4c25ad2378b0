// Package bot is the Telegram side of the service: it delivers notices and
// answers a few self-service commands.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/billing"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/repository"
)

type Bot struct {
	Instance *telego.Bot
	DB       *gorm.DB
	Billing  *billing.Engine
}

func NewBot(token string, db *gorm.DB, engine *billing.Engine) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		DB:       db,
		Billing:  engine,
	}, nil
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		var user models.User
		err := b.DB.WithContext(ctx.Context()).
			Where(models.User{TelegramID: message.From.ID}).
			Attrs(models.User{Username: message.From.Username}).
			FirstOrCreate(&user).Error
		if err != nil {
			log.Error().Err(err).Int64("telegram_id", message.From.ID).Msg("Failed to get/create user")
		}

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("👤 Личный кабинет").WithCallbackData("profile"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("⏯ Пауза / продолжить").WithCallbackData("toggle_pause"),
			),
		)
		b.reply(ctx, message.Chat.ID, fmt.Sprintf("Привет, %s! 👋\n\nЯ помогу тебе с VPN через Remnawave.", message.From.FirstName),
			func(p *telego.SendMessageParams) { p.WithReplyMarkup(keyboard) })
		return nil
	}, th.CommandEqual("start"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.reply(ctx, update.Message.Chat.ID, b.profileOrError(ctx.Context(), update.Message.From.ID), markdown)
		return nil
	}, th.CommandEqual("status"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		b.reply(ctx, update.Message.Chat.ID, b.toggleOrError(ctx.Context(), update.Message.From.ID))
		return nil
	}, th.CommandEqual("pause"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		b.reply(ctx, callback.From.ID, b.profileOrError(ctx.Context(), callback.From.ID), markdown)
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("profile"))

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		b.reply(ctx, callback.From.ID, b.toggleOrError(ctx.Context(), callback.From.ID))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("toggle_pause"))

	log.Info().Msg("Telegram bot started")
	handler.Start()
	return nil
}

func markdown(p *telego.SendMessageParams) {
	p.WithParseMode(telego.ModeMarkdown)
}

func (b *Bot) reply(ctx *th.Context, chatID int64, text string, opts ...func(*telego.SendMessageParams)) {
	params := tu.Message(tu.ID(chatID), text)
	for _, opt := range opts {
		opt(params)
	}
	if _, err := ctx.Bot().SendMessage(ctx.Context(), params); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}

func (b *Bot) profileOrError(ctx context.Context, telegramID int64) string {
	text, err := b.Profile(ctx, telegramID)
	if err != nil {
		log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to build profile")
		return "❌ Ошибка при загрузке профиля."
	}
	return text
}

func (b *Bot) toggleOrError(ctx context.Context, telegramID int64) string {
	text, err := b.TogglePause(ctx, telegramID)
	if err != nil {
		log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to toggle pause")
		return "❌ Ошибка, попробуйте позже."
	}
	return text
}

// Profile renders the account summary shown by /status.
func (b *Bot) Profile(ctx context.Context, telegramID int64) (string, error) {
	var user models.User
	err := b.DB.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "👤 Профиль не найден. Отправьте /start.", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 *Личный кабинет:*\n\n🔹 ID: `%d`\n🔹 Баланс: %s₽", telegramID, formatMoney(user.Balance))

	sub, err := repository.NewSubscriptionRepository(b.DB).GetByUserID(ctx, user.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		sb.WriteString("\n🔹 Статус: ❌ Нет подписки")
		return sb.String(), nil
	}
	if err != nil {
		return "", err
	}

	fmt.Fprintf(&sb, "\n🔹 Статус: %s", statusLabel(sub))
	if !sub.EndDate.IsZero() {
		fmt.Fprintf(&sb, "\n🔹 Действует до: %s", sub.EndDate.Format("02.01.2006 15:04"))
	}
	if sub.Plan != nil {
		fmt.Fprintf(&sb, "\n🔹 Тариф: %s", sub.Plan.Name)
	}
	if sub.TrafficLimitQuota > 0 {
		fmt.Fprintf(&sb, "\n🔹 Трафик: %d / %d", sub.TrafficUsedQuota, sub.TrafficLimitQuota)
	}
	if sub.SubscriptionURL != "" {
		fmt.Fprintf(&sb, "\n\n🔗 *Твоя ссылка на VPN:*\n%s", sub.SubscriptionURL)
	}
	return sb.String(), nil
}

func statusLabel(sub *models.Subscription) string {
	switch sub.Status {
	case models.StatusActive:
		if sub.IsDailyPaused {
			return "⏸ На паузе"
		}
		return "✅ Активна"
	case models.StatusTrial:
		return "🎁 Пробный период"
	case models.StatusPending:
		return "⏳ Ожидает активации"
	case models.StatusExpired:
		return "⚠️ Истекла"
	case models.StatusDisabled:
		if sub.SuspensionReason == models.SuspensionInsufficientFunds {
			return "⛔ Приостановлена: недостаточно средств"
		}
		return "⛔ Отключена"
	default:
		return string(sub.Status)
	}
}

// TogglePause pauses or resumes the user's daily plan.
func (b *Bot) TogglePause(ctx context.Context, telegramID int64) (string, error) {
	var user models.User
	err := b.DB.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "❌ Нет подписки.", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	sub, err := repository.NewSubscriptionRepository(b.DB).GetByUserID(ctx, user.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "❌ Нет подписки.", nil
	}
	if err != nil {
		return "", err
	}

	var updated *models.Subscription
	if sub.Status == models.StatusDisabled && sub.SuspensionReason == models.SuspensionInsufficientFunds {
		updated, err = b.Billing.Resume(ctx, sub.ID)
	} else {
		updated, err = b.Billing.Toggle(ctx, sub.ID)
	}
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "ℹ️ Пауза доступна только для посуточного тарифа.", nil
	case errors.Is(err, apperr.ErrInsufficientFunds):
		return "❌ Недостаточно средств для возобновления. Пополните баланс.", nil
	case err != nil:
		return "", err
	}
	if updated.IsDailyPaused {
		return "⏸ Подписка поставлена на паузу. Списания остановлены.", nil
	}
	return "▶️ Подписка возобновлена.", nil
}

func formatMoney(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
