package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/balance"
	"vpn-subscriptions/internal/cart"
	"vpn-subscriptions/internal/lifecycle"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/remnawave"
	"vpn-subscriptions/internal/repository"
)

const SignatureHeader = "X-Remnawave-Signature"

type Handler struct {
	DB      *gorm.DB
	Redis   *redis.Client
	States  *lifecycle.StateMachine
	Carts   *cart.Store
	Applier *cart.Applier
	// Secret signs panel events. Empty disables the check.
	Secret string
	// PaymentTTL is how long processed payment ids are remembered.
	PaymentTTL time.Duration
}

func NewHandler(db *gorm.DB, rdb *redis.Client, states *lifecycle.StateMachine, carts *cart.Store, applier *cart.Applier, secret string) *Handler {
	return &Handler{
		DB:         db,
		Redis:      rdb,
		States:     states,
		Carts:      carts,
		Applier:    applier,
		Secret:     secret,
		PaymentTTL: 30 * 24 * time.Hour,
	}
}

// HandlePanel applies a remote panel user event to the local subscription.
func (h *Handler) HandlePanel(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}
	if h.Secret != "" && !validSignature(h.Secret, body, c.GetHeader(SignatureHeader)) {
		log.Warn().Str("ip", c.ClientIP()).Msg("Rejected panel webhook with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var ev PanelEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !strings.HasPrefix(ev.Event, "user.") || ev.Data.UUID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()
	sub, err := repository.NewSubscriptionRepository(h.DB).GetByRemoteID(ctx, ev.Data.UUID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Debug().Str("remnawave_id", ev.Data.UUID).Msg("Panel event for unknown user")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up subscription for panel event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	state := lifecycle.WebhookState{
		Status:  localStatus(ev.Data.Status, sub.Status),
		EndDate: ev.Data.ExpireAt,
	}
	updated, err := h.States.ApplyWebhook(ctx, sub.ID, state)
	if err != nil {
		log.Error().Err(err).Uint("subscription_id", sub.ID).Msg("Failed to apply panel event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	log.Info().
		Uint("subscription_id", updated.ID).
		Str("event", ev.Event).
		Str("status", string(updated.Status)).
		Msg("Panel event applied")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// localStatus maps a panel status onto ours. An empty result leaves the status alone.
func localStatus(remote string, current models.SubscriptionStatus) models.SubscriptionStatus {
	switch remote {
	case remnawave.StatusActive:
		if current == models.StatusTrial {
			return ""
		}
		return models.StatusActive
	case remnawave.StatusDisabled:
		return models.StatusDisabled
	case remnawave.StatusExpired:
		return models.StatusExpired
	default:
		return ""
	}
}

func validSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature the panel sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleTopUp credits a successful payment to the user's balance and then
// applies the purchase they were saving up for.
func (h *Handler) HandleTopUp(c *gin.Context) {
	var n TopUpNotification
	if err := c.ShouldBindJSON(&n); err != nil {
		log.Warn().Err(err).Msg("Failed to decode top-up webhook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if n.Event != eventPaymentSucceeded {
		log.Info().Str("event", n.Event).Msg("Ignored payment event")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	telegramID, err := strconv.ParseInt(n.Object.Metadata["telegram_id"], 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "metadata missing telegram_id"})
		return
	}
	amount, err := n.Object.Amount.MinorUnits()
	if err != nil || n.Object.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	ctx := c.Request.Context()
	key := "payment:" + n.Object.ID
	first, err := h.Redis.SetNX(ctx, key, telegramID, h.PaymentTTL).Result()
	if err != nil {
		log.Error().Err(err).Str("payment_id", n.Object.ID).Msg("Failed to record payment id")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !first {
		log.Info().Str("payment_id", n.Object.ID).Msg("Duplicate payment notification")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	user, err := h.credit(ctx, telegramID, amount, n.Object)
	if errors.Is(err, errDuplicatePayment) {
		log.Info().Str("payment_id", n.Object.ID).Msg("Payment already credited")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	if err != nil {
		if delErr := h.Redis.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			log.Error().Err(delErr).Str("payment_id", n.Object.ID).Msg("Failed to release payment id")
		}
		log.Error().Err(err).Str("payment_id", n.Object.ID).Msg("Failed to credit payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	log.Info().Uint("user_id", user.ID).Int64("amount", amount).Str("payment_id", n.Object.ID).Msg("Balance topped up")
	applied := h.applyPendingCart(ctx, user.ID)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cart_applied": applied})
}

var errDuplicatePayment = errors.New("payment already credited")

func (h *Handler) credit(ctx context.Context, telegramID, amount int64, obj TopUpObject) (*models.User, error) {
	var user models.User
	err := h.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&models.Payment{}).Where("provider_id = ?", obj.ID).Count(&seen).Error; err != nil {
			return fmt.Errorf("failed to check payment: %w", err)
		}
		if seen > 0 {
			return errDuplicatePayment
		}
		if err := tx.Where(models.User{TelegramID: telegramID}).FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("failed to find/create user: %w", err)
		}
		payment := models.Payment{
			UserID:     user.ID,
			Amount:     amount,
			Currency:   obj.Amount.Currency,
			ProviderID: obj.ID,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		return balance.Credit(tx, user.ID, amount)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// applyPendingCart reports whether a stored cart was applied. A cart the user
// still cannot afford stays for the next top-up; a cart that can never apply is dropped.
func (h *Handler) applyPendingCart(ctx context.Context, userID uint) bool {
	if h.Carts == nil || h.Applier == nil {
		return false
	}
	pending, err := h.Carts.Load(ctx, userID)
	if err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("Failed to load pending cart")
		return false
	}
	if pending == nil {
		return false
	}

	_, err = h.Applier.Apply(ctx, userID, pending)
	applied := err == nil
	switch {
	case applied:
	case errors.Is(err, apperr.ErrInsufficientFunds):
		log.Info().Uint("user_id", userID).Str("mode", string(pending.Mode())).Msg("Balance still short for pending cart")
		return false
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrNotFound):
		log.Warn().Err(err).Uint("user_id", userID).Msg("Dropping pending cart that cannot be applied")
	default:
		log.Error().Err(err).Uint("user_id", userID).Msg("Failed to apply pending cart")
		return false
	}

	if err := h.Carts.Delete(ctx, userID); err != nil {
		log.Error().Err(err).Uint("user_id", userID).Msg("Failed to delete pending cart")
	}
	return applied
}
