package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpn-subscriptions/internal/apperr"
	"vpn-subscriptions/internal/models"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) GetByID(ctx context.Context, id uint) (*models.Subscription, error) {
	return r.first(ctx, r.db.Where("id = ?", id))
}

func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID uint) (*models.Subscription, error) {
	return r.first(ctx, r.db.Where("user_id = ?", userID))
}

func (r *SubscriptionRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Subscription, error) {
	return r.first(ctx, r.db.Where("remnawave_id = ?", remoteID))
}

// Lock reads the subscription with a row lock. Call it inside a transaction.
func (r *SubscriptionRepository) Lock(ctx context.Context, id uint) (*models.Subscription, error) {
	return r.first(ctx, r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

// LockByUserID is Lock keyed by owner.
func (r *SubscriptionRepository) LockByUserID(ctx context.Context, userID uint) (*models.Subscription, error) {
	return r.first(ctx, r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID))
}

func (r *SubscriptionRepository) Save(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(sub).Error
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(sub).Error
}

func (r *SubscriptionRepository) GetPlan(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("plan %d: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &plan, nil
}

func (r *SubscriptionRepository) first(ctx context.Context, q *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	if err := q.WithContext(ctx).Preload("Plan").First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("subscription: %w", apperr.ErrNotFound)
		}
		return nil, err
	}
	return &sub, nil
}
