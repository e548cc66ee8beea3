package rulestore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// CachedReader decorates a RuleReader with two cache tiers: an in-process
// expirable LRU for hot rule sets and an optional Redis tier shared across
// engine replicas. Rule configuration changes rarely relative to observation
// traffic, so short TTLs keep staleness bounded without hitting the source
// on every evaluation.
type CachedReader struct {
	source domain.RuleReader

	memoryCache *expirable.LRU[string, []domain.AlertRule]
	redisClient *redis.Client
	redisTTL    time.Duration

	log     *logrus.Logger
	stats   CacheStats
	statsMu sync.RWMutex
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	MemoryHits    int64 `json:"memory_hits"`
	MemoryMisses  int64 `json:"memory_misses"`
	RedisHits     int64 `json:"redis_hits"`
	RedisMisses   int64 `json:"redis_misses"`
	SourceCalls   int64 `json:"source_calls"`
	TotalRequests int64 `json:"total_requests"`
}

// CachedReaderConfig configures the cached rule reader.
type CachedReaderConfig struct {
	// Size is the entry capacity of the in-memory tier.
	Size int
	// TTL bounds staleness of both tiers.
	TTL time.Duration
}

// NewCachedReader creates a cached rule reader. The Redis client may be nil,
// in which case only the in-memory tier is used.
func NewCachedReader(source domain.RuleReader, redisClient *redis.Client, config CachedReaderConfig, logger *logrus.Logger) *CachedReader {
	if config.Size == 0 {
		config.Size = 1024
	}
	if config.TTL == 0 {
		config.TTL = time.Minute
	}

	return &CachedReader{
		source:      source,
		memoryCache: expirable.NewLRU[string, []domain.AlertRule](config.Size, nil, config.TTL),
		redisClient: redisClient,
		redisTTL:    config.TTL,
		log:         logger,
	}
}

// ActiveRules returns the candidate rule set for the given scope and metric,
// consulting the memory tier, then Redis, then the source.
func (r *CachedReader) ActiveRules(ctx context.Context, orgID string, presetIDs []string, metricKey string) ([]domain.AlertRule, error) {
	r.incrementStat(func(s *CacheStats) { s.TotalRequests++ })

	key := cacheKey(orgID, presetIDs, metricKey)

	if rules, ok := r.memoryCache.Get(key); ok {
		r.incrementStat(func(s *CacheStats) { s.MemoryHits++ })
		return rules, nil
	}
	r.incrementStat(func(s *CacheStats) { s.MemoryMisses++ })

	if rules, ok := r.getFromRedis(ctx, key); ok {
		r.incrementStat(func(s *CacheStats) { s.RedisHits++ })
		r.memoryCache.Add(key, rules)
		return rules, nil
	}
	r.incrementStat(func(s *CacheStats) { s.RedisMisses++ })

	r.incrementStat(func(s *CacheStats) { s.SourceCalls++ })
	rules, err := r.source.ActiveRules(ctx, orgID, presetIDs, metricKey)
	if err != nil {
		return nil, err
	}

	r.memoryCache.Add(key, rules)
	r.setInRedis(ctx, key, rules)

	return rules, nil
}

// Invalidate drops all cached rule sets. Called when rule configuration
// changes.
func (r *CachedReader) Invalidate(ctx context.Context) {
	r.memoryCache.Purge()

	if r.redisClient == nil {
		return
	}
	iter := r.redisClient.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.redisClient.Del(ctx, iter.Val()).Err(); err != nil {
			r.log.WithError(err).Warn("Failed to delete cached rule set from Redis")
		}
	}
	if err := iter.Err(); err != nil {
		r.log.WithError(err).Warn("Failed to scan cached rule sets in Redis")
	}
}

// Stats returns a snapshot of cache performance counters.
func (r *CachedReader) Stats() CacheStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

const redisKeyPrefix = "alert-engine:rules:"

func (r *CachedReader) getFromRedis(ctx context.Context, key string) ([]domain.AlertRule, bool) {
	if r.redisClient == nil {
		return nil, false
	}

	raw, err := r.redisClient.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.log.WithError(err).Warn("Redis rule cache read failed")
		}
		return nil, false
	}

	var rules []domain.AlertRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		r.log.WithError(err).Warn("Failed to unmarshal cached rule set")
		return nil, false
	}
	return rules, true
}

func (r *CachedReader) setInRedis(ctx context.Context, key string, rules []domain.AlertRule) {
	if r.redisClient == nil {
		return
	}

	raw, err := json.Marshal(rules)
	if err != nil {
		r.log.WithError(err).Warn("Failed to marshal rule set for caching")
		return
	}
	if err := r.redisClient.Set(ctx, redisKeyPrefix+key, raw, r.redisTTL).Err(); err != nil {
		r.log.WithError(err).Warn("Redis rule cache write failed")
	}
}

func (r *CachedReader) incrementStat(update func(*CacheStats)) {
	r.statsMu.Lock()
	update(&r.stats)
	r.statsMu.Unlock()
}

// cacheKey derives a stable key from the rule scope inputs. Preset order is
// normalized so equivalent scopes share an entry.
func cacheKey(orgID string, presetIDs []string, metricKey string) string {
	presets := make([]string, len(presetIDs))
	copy(presets, presetIDs)
	sort.Strings(presets)

	h := sha256.Sum256([]byte(orgID + "|" + strings.Join(presets, ",") + "|" + metricKey))
	return fmt.Sprintf("%x", h[:16])
}
