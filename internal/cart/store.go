package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps at most one pending cart per user.
type Store struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{Redis: rdb, TTL: ttl}
}

func cartKey(userID uint) string {
	return fmt.Sprintf("cart:%d", userID)
}

func (s *Store) Save(ctx context.Context, userID uint, c Cart) error {
	data, err := Encode(c)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	return s.Redis.Set(ctx, cartKey(userID), data, s.TTL).Err()
}

// Load returns the pending cart, or nil when the user has none.
func (s *Store) Load(ctx context.Context, userID uint) (Cart, error) {
	data, err := s.Redis.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	return Decode(data)
}

func (s *Store) Delete(ctx context.Context, userID uint) error {
	return s.Redis.Del(ctx, cartKey(userID)).Err()
}
