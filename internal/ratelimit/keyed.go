// Package ratelimit bounds request rates per caller.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked callers when none is configured.
const DefaultMaxKeys = 1024

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// KeyedLimiter keeps one token bucket per key (typically a remote IP). The
// least recently used bucket is evicted once MaxKeys are tracked, so an
// evicted caller starts over with a full bucket.
type KeyedLimiter struct {
	clock   Clock
	limit   rate.Limit
	burst   int
	maxKeys int

	onEvict func()

	mu      sync.Mutex
	buckets map[string]*bucketEntry
	lru     *list.List
}

type bucketEntry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

type Config struct {
	// PerSecond is the sustained rate per key. <= 0 disables limiting.
	PerSecond float64
	// Burst defaults to PerSecond rounded up, at least 1.
	Burst   int
	MaxKeys int
	Clock   Clock
	// OnEvict is invoked once per evicted bucket, outside the lock.
	OnEvict func()
}

// New returns nil when cfg.PerSecond <= 0; a nil limiter allows everything.
func New(cfg Config) *KeyedLimiter {
	if cfg.PerSecond <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.PerSecond)
		if float64(cfg.Burst) < cfg.PerSecond {
			cfg.Burst++
		}
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &KeyedLimiter{
		clock:   cfg.Clock,
		limit:   rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
		buckets: make(map[string]*bucketEntry),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.bucket(key).AllowN(l.clock.Now(), 1)
}

// Len is the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.limiter
	}

	if len(l.buckets) >= l.maxKeys {
		// Oldest at the back.
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(string))
			evicted = true
		}
	}

	lim := rate.NewLimiter(l.limit, l.burst)
	// Start full relative to the injected clock.
	lim.SetLimitAt(l.clock.Now(), l.limit)
	l.buckets[key] = &bucketEntry{limiter: lim, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return lim
}
