package costguard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/af-corp/aegis-router/internal/types"
)

// RedisMirror shares attempt records between router instances using one
// sorted set per provider scored by unix milliseconds.
type RedisMirror struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisMirror creates a mirror. If rdb is nil every call is a no-op.
func NewRedisMirror(rdb *redis.Client, prefix string, retention time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "aegis:usage:"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisMirror{rdb: rdb, prefix: prefix, retention: retention}
}

// appendScript atomically trims expired entries, adds the record and
// refreshes the key TTL.
// KEYS[1] = sorted set key
// ARGV[1] = cutoff score (unix ms)
// ARGV[2] = record score (unix ms)
// ARGV[3] = encoded record
// ARGV[4] = TTL seconds for the key
var appendScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local score = tonumber(ARGV[2])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
redis.call('ZADD', key, score, ARGV[3])
redis.call('EXPIRE', key, ttl)
return redis.call('ZCARD', key)
`)

// Enabled reports whether records are actually shared.
func (m *RedisMirror) Enabled() bool {
	return m != nil && m.rdb != nil
}

func (m *RedisMirror) key(providerID string) string {
	return m.prefix + providerID
}

func spendKey(prefix, providerID string, day time.Time) string {
	return fmt.Sprintf("%sspend:%s:%s", prefix, providerID, day.UTC().Format("2006-01-02"))
}

func (m *RedisMirror) Append(ctx context.Context, rec types.AttemptRecord) error {
	if m == nil || m.rdb == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode attempt record: %w", err)
	}

	score := rec.Timestamp.UnixMilli()
	cutoff := rec.Timestamp.Add(-m.retention).UnixMilli()
	ttlSecs := int64(m.retention.Seconds()) + 1

	if err := appendScript.Run(ctx, m.rdb, []string{m.key(rec.ProviderID)},
		cutoff, score, data, ttlSecs,
	).Err(); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	if rec.EstimatedCostUSD > 0 {
		return m.recordSpend(ctx, rec.ProviderID, rec.EstimatedCostUSD, rec.Timestamp)
	}
	return nil
}

// recordSpend adds cost to the provider's daily spend counter.
func (m *RedisMirror) recordSpend(ctx context.Context, providerID string, usd float64, at time.Time) error {
	key := spendKey(m.prefix, providerID, at)
	pipe := m.rdb.Pipeline()
	pipe.IncrByFloat(ctx, key, usd)
	// expire at end of day UTC + 1 hour buffer
	now := at.UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// DailySpend returns the provider's estimated USD spend for the UTC day of at.
func (m *RedisMirror) DailySpend(ctx context.Context, providerID string, at time.Time) (float64, error) {
	if m == nil || m.rdb == nil {
		return 0, nil
	}
	v, err := m.rdb.Get(ctx, spendKey(m.prefix, providerID, at)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily spend: %w", err)
	}
	return v, nil
}

// Query returns the provider's records with scores in [since, until).
func (m *RedisMirror) Query(ctx context.Context, providerID string, since, until time.Time) ([]types.AttemptRecord, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("redis mirror not configured")
	}
	members, err := m.rdb.ZRangeByScore(ctx, m.key(providerID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: fmt.Sprintf("(%d", until.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}

	out := make([]types.AttemptRecord, 0, len(members))
	for _, raw := range members {
		var rec types.AttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
