package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hermes:fired:"

// Redis stores the ledger as one key per (rule, period) written with SETNX.
// A TTL bounds growth; it must exceed the longest schedule period.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a ledger on client. A zero ttl keeps entries forever.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

// Record implements Ledger.
func (r *Redis) Record(ctx context.Context, entry Entry) (bool, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode ledger entry: %w", err)
	}
	inserted, err := r.client.SetNX(ctx, r.prefix+entry.Key(), value, r.ttl).Result()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		inserted = false
	}
	observe("redis", inserted, err)
	return inserted, err
}

// Lookup implements Ledger.
func (r *Redis) Lookup(ctx context.Context, ruleID, periodKey string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key(ruleID, periodKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode ledger entry: %w", err)
	}
	return entry, true, nil
}
