// Package presence tracks which node each online profile is connected to,
// backed by Valkey. Keys carry a TTL refreshed by the gateway heartbeat, so a
// crashed node's entries age out on their own and its clients fall back to
// offline delivery.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index reads and writes the online-profile index in Valkey. The value of
// each key is the node id currently serving that profile.
type Index struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIndex creates a presence index with the given key TTL.
func NewIndex(rdb *redis.Client, ttl time.Duration) *Index {
	return &Index{rdb: rdb, ttl: ttl}
}

// Set marks the profile online on nodeID.
func (i *Index) Set(ctx context.Context, profileID int64, nodeID string) error {
	if err := i.rdb.Set(ctx, presenceKey(profileID), nodeID, i.ttl).Err(); err != nil {
		return fmt.Errorf("set presence for %d: %w", profileID, err)
	}
	return nil
}

// Refresh extends the TTL of the profile's presence key without changing the
// node. A missing key is not an error; the next Set recreates it.
func (i *Index) Refresh(ctx context.Context, profileID int64) error {
	if err := i.rdb.Expire(ctx, presenceKey(profileID), i.ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence for %d: %w", profileID, err)
	}
	return nil
}

// Delete removes the profile's presence key.
func (i *Index) Delete(ctx context.Context, profileID int64) error {
	if err := i.rdb.Del(ctx, presenceKey(profileID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %d: %w", profileID, err)
	}
	return nil
}

// Node returns the node id serving the profile, or "" when the profile is
// offline.
func (i *Index) Node(ctx context.Context, profileID int64) (string, error) {
	val, err := i.rdb.Get(ctx, presenceKey(profileID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %d: %w", profileID, err)
	}
	return val, nil
}

// OnlineSet returns the subset of profileIDs that are online anywhere,
// mapped to the node serving them.
func (i *Index) OnlineSet(ctx context.Context, profileIDs []int64) (map[int64]string, error) {
	if len(profileIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(profileIDs))
	for n, id := range profileIDs {
		keys[n] = presenceKey(id)
	}

	vals, err := i.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	online := make(map[int64]string, len(profileIDs))
	for n, v := range vals {
		node, ok := v.(string)
		if !ok || node == "" {
			continue
		}
		online[profileIDs[n]] = node
	}
	return online, nil
}

func presenceKey(profileID int64) string {
	return "online:" + strconv.FormatInt(profileID, 10)
}
