package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Registry backed by Redis, so identity mappings survive a process
// restart without a store rebuild.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a redis-backed registry.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func tagKey(tag string) string {
	return fmt.Sprintf("registry:tag:%s", NormalizeTag(tag))
}

func txnKey(transactionID int64) string {
	return fmt.Sprintf("registry:txn:%d", transactionID)
}

// RegisterTag stores tag -> userID.
func (r *Redis) RegisterTag(ctx context.Context, tag, userID string) error {
	return r.client.Set(ctx, tagKey(tag), userID, 0).Err()
}

// ResolveTag returns the user bound to a tag.
func (r *Redis) ResolveTag(ctx context.Context, tag string) (string, bool, error) {
	userID, err := r.client.Get(ctx, tagKey(tag)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return userID, true, nil
}

// UnregisterTag removes a tag binding.
func (r *Redis) UnregisterTag(ctx context.Context, tag string) error {
	return r.client.Del(ctx, tagKey(tag)).Err()
}

// BindTransaction stores transactionID -> sessionID.
func (r *Redis) BindTransaction(ctx context.Context, transactionID int64, sessionID string) error {
	return r.client.Set(ctx, txnKey(transactionID), sessionID, 0).Err()
}

// ResolveTransaction returns the session bound to a transaction.
func (r *Redis) ResolveTransaction(ctx context.Context, transactionID int64) (string, bool, error) {
	sessionID, err := r.client.Get(ctx, txnKey(transactionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return sessionID, true, nil
}

// UnbindTransaction removes a transaction binding.
func (r *Redis) UnbindTransaction(ctx context.Context, transactionID int64) error {
	return r.client.Del(ctx, txnKey(transactionID)).Err()
}
