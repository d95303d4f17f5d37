// Package redis implements repository.DuplicateGuard on top of Redis.
// SETNX provides the atomic "first writer wins" semantics: the key tracks
// a delivered message ID, and there is no release/unlock step because a
// duplicate guard never needs to be explicitly freed.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/outpostlabs/drayman/internal/repository"
)

var _ repository.DuplicateGuard = (*DuplicateGuard)(nil)

const keyPrefix = "drayman:seen:"

// DuplicateGuard is a Redis-backed repository.DuplicateGuard.
type DuplicateGuard struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewDuplicateGuard creates a Redis-backed duplicate guard. ttl bounds how
// long a message ID is remembered; zero means "use a 24h default".
func NewDuplicateGuard(client *goredis.Client, ttl time.Duration) *DuplicateGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DuplicateGuard{client: client, ttl: ttl}
}

// Seen uses Redis SETNX to atomically test-and-mark id as processed.
func (g *DuplicateGuard) Seen(ctx context.Context, id string) (bool, error) {
	key := keyPrefix + id
	acquired, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedupe check: %w", err)
	}
	// acquired == true means this is the first time we've seen id, i.e. not
	// a duplicate.
	return !acquired, nil
}
