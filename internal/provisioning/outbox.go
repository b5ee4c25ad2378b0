package provisioning

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/models"
)

// Outbox records sync requests in the caller's transaction.
type Outbox struct {
	// Wake, when set, is signalled after Notify so the dispatcher runs promptly.
	Wake chan struct{}
	Now  func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{
		Wake: make(chan struct{}, 1),
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue asks for subscriptionID to be pushed to the panel once tx commits.
// A pending event for the same subscription is reused and its revision bumped,
// so a dispatcher holding the older revision will not mark it done.
func (o *Outbox) Enqueue(tx *gorm.DB, subscriptionID uint, reason string) error {
	now := o.Now()

	var ev models.SyncEvent
	err := tx.Where("subscription_id = ? AND status = ?", subscriptionID, models.SyncPending).First(&ev).Error
	switch {
	case err == nil:
		return tx.Model(&ev).Updates(map[string]interface{}{
			"reason":          reason,
			"next_attempt_at": now,
			"revision":        gorm.Expr("revision + 1"),
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		ev = models.SyncEvent{
			EventID:        uuid.NewString(),
			SubscriptionID: subscriptionID,
			Reason:         reason,
			Status:         models.SyncPending,
			NextAttemptAt:  now,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("failed to enqueue sync event: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("failed to look up sync event: %w", err)
	}
}

// Notify wakes the dispatcher without blocking. Call it after commit.
func (o *Outbox) Notify() {
	if o.Wake == nil {
		return
	}
	select {
	case o.Wake <- struct{}{}:
	default:
	}
}
