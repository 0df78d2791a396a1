package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultAssignmentTTL is how long a principal's assignment list may be
// served from cache. The evaluator re-checks expiry on every use, so a
// stale entry can never resurrect an expired assignment.
const DefaultAssignmentTTL = 5 * time.Minute

// AssignmentCache is a redis read-through cache over the store's
// effective-assignment query, keyed by principal. Entries are dropped
// eagerly on assign/revoke for that principal and expire passively
// otherwise. Concurrent misses for the same principal are coalesced into
// a single database load.
type AssignmentCache struct {
	client *redis.Client
	source AssignmentSource
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewAssignmentCache wraps source with a redis cache. A nil client
// degrades to pass-through.
func NewAssignmentCache(client *redis.Client, source AssignmentSource, ttl time.Duration, logger *slog.Logger) *AssignmentCache {
	if ttl <= 0 {
		ttl = DefaultAssignmentTTL
	}
	return &AssignmentCache{client: client, source: source, ttl: ttl, logger: logger}
}

// ListEffectiveAssignments implements AssignmentSource.
func (c *AssignmentCache) ListEffectiveAssignments(ctx context.Context, memberID string) ([]Assignment, error) {
	if c.client == nil {
		return c.source.ListEffectiveAssignments(ctx, memberID)
	}

	key := cacheKey(memberID)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached []Assignment
		if jsonErr := json.Unmarshal(payload, &cached); jsonErr == nil {
			return cached, nil
		}
		// Corrupt entry: fall through to a fresh load.
		_ = c.client.Del(ctx, key).Err()
	} else if err != redis.Nil && c.logger != nil {
		// Cache trouble is not an authorization failure; serve from
		// the source instead.
		c.logger.Warn("assignment cache read failed", slog.Any("error", err), slog.String("member", memberID))
	}

	loaded, err, _ := c.group.Do(memberID, func() (any, error) {
		assignments, err := c.source.ListEffectiveAssignments(ctx, memberID)
		if err != nil {
			return nil, err
		}
		if data, jsonErr := json.Marshal(assignments); jsonErr == nil {
			if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil && c.logger != nil {
				c.logger.Warn("assignment cache write failed", slog.Any("error", setErr), slog.String("member", memberID))
			}
		}
		return assignments, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.([]Assignment), nil
}

// Invalidate drops the principal's cached list.
func (c *AssignmentCache) Invalidate(ctx context.Context, memberID string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(memberID)).Err(); err != nil && err != redis.Nil && c.logger != nil {
		c.logger.Warn("assignment cache invalidate failed", slog.Any("error", err), slog.String("member", memberID))
	}
}

func cacheKey(memberID string) string {
	return "authz:assignments:" + memberID
}
