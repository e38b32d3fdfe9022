package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/adamj-ops/lending-os-sub002/internal/platform/redis"
)

const snapshotKeyPrefix = "analytics:snapshot:"

// RedisSnapshots keeps snapshots in Redis hashes so multiple instances share
// one read model. Amounts are stored as integer cents; HINCRBY is atomic, so
// concurrent ingests never lose updates.
type RedisSnapshots struct {
	client *redis.Client
}

// NewRedisSnapshots constructs a Redis-backed snapshot store.
func NewRedisSnapshots(client *redis.Client) *RedisSnapshots {
	return &RedisSnapshots{client: client}
}

func snapshotRedisKey(domain string, day time.Time) string {
	return snapshotKeyPrefix + domain + ":" + day.Format("2006-01-02")
}

func (s *RedisSnapshots) Apply(ctx context.Context, domain string, day time.Time, amount decimal.Decimal) error {
	key := snapshotRedisKey(domain, day)
	cents := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "event_count", 1)
	pipe.HIncrBy(ctx, key, "amount_cents", cents)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("apply snapshot %s: %w", key, err)
	}
	return nil
}

func (s *RedisSnapshots) Get(ctx context.Context, domain string, day time.Time) (*Snapshot, error) {
	key := snapshotRedisKey(domain, day)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("get snapshot %s: %w", key, err)
	}

	snap := &Snapshot{Domain: domain, Day: day}
	if raw, ok := fields["event_count"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.EventCount = n
		}
	}
	if raw, ok := fields["amount_cents"]; ok {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.TotalAmount = decimal.NewFromInt(cents).Div(decimal.NewFromInt(100))
		}
	}
	return snap, nil
}

func (s *RedisSnapshots) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, snapshotKeyPrefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan snapshots: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete snapshots: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
