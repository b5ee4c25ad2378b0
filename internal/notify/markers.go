// Package notify sends subscription notices to users over Telegram and remembers
// which notices were already sent for the current timeline.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind names a notice sent at most once per timeline.
type Kind string

const (
	KindExpiring Kind = "expiring"
	KindExpired  Kind = "expired"
)

var kinds = []Kind{KindExpiring, KindExpired}

// MarkerStore keeps "already notified" flags in redis.
type MarkerStore struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewMarkerStore(rdb *redis.Client, ttl time.Duration) *MarkerStore {
	return &MarkerStore{Redis: rdb, TTL: ttl}
}

func markerKey(kind Kind, subscriptionID uint) string {
	return fmt.Sprintf("notified:%s:%d", kind, subscriptionID)
}

// Mark sets the marker. It reports false when the marker was already set.
func (m *MarkerStore) Mark(ctx context.Context, kind Kind, subscriptionID uint) (bool, error) {
	ok, err := m.Redis.SetNX(ctx, markerKey(kind, subscriptionID), "1", m.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set %s marker: %w", kind, err)
	}
	return ok, nil
}

func (m *MarkerStore) IsMarked(ctx context.Context, kind Kind, subscriptionID uint) (bool, error) {
	n, err := m.Redis.Exists(ctx, markerKey(kind, subscriptionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read %s marker: %w", kind, err)
	}
	return n > 0, nil
}

// Unmark drops a single marker, used when a send fails after marking.
func (m *MarkerStore) Unmark(ctx context.Context, kind Kind, subscriptionID uint) error {
	return m.Redis.Del(ctx, markerKey(kind, subscriptionID)).Err()
}

// ClearMarkers drops every marker of the subscription. Called whenever its
// timeline is reset.
func (m *MarkerStore) ClearMarkers(ctx context.Context, subscriptionID uint) error {
	keys := make([]string, 0, len(kinds))
	for _, k := range kinds {
		keys = append(keys, markerKey(k, subscriptionID))
	}
	if err := m.Redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear markers: %w", err)
	}
	return nil
}
