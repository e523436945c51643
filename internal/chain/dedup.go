package chain

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dedupWindow = 10 * time.Minute

// DedupWindow decides whether a PaymentEvent keyed by key should be
// forwarded: the first observation of a key always passes; later
// observations pass only if they carry a higher confirmation count (an
// "update"), otherwise they're suppressed as a duplicate within the window.
// A removed (reorg) observation always passes and clears the key so the
// next fresh match is treated as first-observed again.
type DedupWindow interface {
	Allow(ctx context.Context, key string, confirmations int, removed bool) (bool, error)
}

// RedisDedupWindow implements DedupWindow using Redis, storing the highest
// confirmation count seen for a key with a refreshing TTL, using a plain
// GET-then-SET (no SETNX) for this kind of "has this been seen" check.
type RedisDedupWindow struct {
	client *goredis.Client
	prefix string
}

// NewRedisDedupWindow creates a Redis-backed dedup window.
func NewRedisDedupWindow(client *goredis.Client) *RedisDedupWindow {
	return &RedisDedupWindow{client: client, prefix: "dedup:"}
}

func (w *RedisDedupWindow) Allow(ctx context.Context, key string, confirmations int, removed bool) (bool, error) {
	redisKey := w.prefix + key

	if removed {
		if err := w.client.Del(ctx, redisKey).Err(); err != nil {
			return false, fmt.Errorf("clearing dedup key on reorg: %w", err)
		}
		return true, nil
	}

	existing, err := w.client.Get(ctx, redisKey).Result()
	if err != nil && err != goredis.Nil {
		return false, fmt.Errorf("reading dedup key: %w", err)
	}

	if err == goredis.Nil {
		if setErr := w.client.Set(ctx, redisKey, confirmations, dedupWindow).Err(); setErr != nil {
			return false, fmt.Errorf("recording dedup key: %w", setErr)
		}
		return true, nil
	}

	prevConfs, _ := strconv.Atoi(existing)
	if confirmations <= prevConfs {
		return false, nil
	}
	if setErr := w.client.Set(ctx, redisKey, confirmations, dedupWindow).Err(); setErr != nil {
		return false, fmt.Errorf("refreshing dedup key: %w", setErr)
	}
	return true, nil
}

// InProcDedupWindow is a mutex-guarded map fallback used when no Redis
// client is configured (unit tests, single-instance deployments).
type InProcDedupWindow struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	confirmations int
	expiresAt     time.Time
}

// NewInProcDedupWindow creates an in-memory dedup window.
func NewInProcDedupWindow() *InProcDedupWindow {
	return &InProcDedupWindow{entries: make(map[string]dedupEntry)}
}

func (w *InProcDedupWindow) Allow(ctx context.Context, key string, confirmations int, removed bool) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if removed {
		delete(w.entries, key)
		return true, nil
	}

	now := time.Now()
	entry, ok := w.entries[key]
	if !ok || now.After(entry.expiresAt) {
		w.entries[key] = dedupEntry{confirmations: confirmations, expiresAt: now.Add(dedupWindow)}
		return true, nil
	}

	if confirmations <= entry.confirmations {
		return false, nil
	}
	w.entries[key] = dedupEntry{confirmations: confirmations, expiresAt: now.Add(dedupWindow)}
	return true, nil
}
