package autopay

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
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/models"
	"vpn-subscriptions/internal/renewal"
	"vpn-subscriptions/internal/repository"
)

// Result counts what one autopay run did.
type Result struct {
	Renewed           int
	InsufficientFunds int
	Skipped           int
	Failed            int
}

// Renewer charges the stored balance for each candidate and extends it.
type Renewer struct {
	DB        *gorm.DB
	Scanner   *Scanner
	Processor *renewal.Processor
	Settings  config.Settings
	Now       func() time.Time
}

func NewRenewer(db *gorm.DB, scanner *Scanner, processor *renewal.Processor, settings config.Settings) *Renewer {
	return &Renewer{
		DB:        db,
		Scanner:   scanner,
		Processor: processor,
		Settings:  settings,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

var errNotEligible = errors.New("subscription is no longer eligible for autopay")

// Run renews every current candidate.
func (r *Renewer) Run(ctx context.Context) (Result, error) {
	var res Result

	candidates, err := r.Scanner.Candidates(ctx)
	if err != nil {
		return res, err
	}

	for i := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		sub := &candidates[i]
		_, err := r.Renew(ctx, sub.ID)
		outcome := "renewed"
		switch {
		case err == nil:
			res.Renewed++
		case errors.Is(err, errNotEligible):
			outcome = "skipped"
			res.Skipped++
		case errors.Is(err, apperr.ErrInsufficientFunds):
			outcome = "insufficient_funds"
			res.InsufficientFunds++
			log.Info().Uint("subscription_id", sub.ID).Uint("user_id", sub.UserID).Msg("Autopay skipped, balance too low")
		default:
			outcome = "failed"
			res.Failed++
			log.Error().Err(err).Uint("subscription_id", sub.ID).Msg("Autopay renewal failed")
		}
		metrics.Get().AutopayRenewals.WithLabelValues(outcome).Inc()
	}
	return res, nil
}

// Renew debits one autopay period and extends the subscription by it in a
// single transaction.
func (r *Renewer) Renew(ctx context.Context, id uint) (*models.Subscription, error) {
	days := r.Settings.AutopayPeriodDays

	var sub *models.Subscription
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := repository.NewSubscriptionRepository(tx).Lock(ctx, id)
		if err != nil {
			return err
		}
		if !Eligible(s, r.Now(), days) {
			return errNotEligible
		}

		price, err := r.price(s, days)
		if err != nil {
			return err
		}
		if err := balance.Debit(tx, s.UserID, price); err != nil {
			return err
		}
		if err := r.Processor.ExtendTx(ctx, tx, s, days, renewal.ExtendOptions{}); err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Processor.AfterCommit(ctx, sub.ID)
	log.Info().Uint("subscription_id", sub.ID).Int("days", days).Time("end_date", sub.EndDate).Msg("Autopay renewal succeeded")
	return sub, nil
}

func (r *Renewer) price(sub *models.Subscription, days int) (int64, error) {
	if sub.Plan != nil {
		if p, ok := sub.Plan.PriceFor(days); ok {
			return p, nil
		}
		return 0, apperr.Transition("autopay", string(sub.Status), fmt.Sprintf("plan has no price for %d days", days))
	}
	if p, ok := r.Settings.LegacyPrice(days); ok {
		return p, nil
	}
	return 0, apperr.Transition("autopay", string(sub.Status), fmt.Sprintf("no legacy price for %d days", days))
}
