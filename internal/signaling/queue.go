package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

const (
	DefaultQueueLimit = 256
	DefaultQueueTTL   = 5 * time.Minute
)

type pendingEntry struct {
	env      Envelope
	queuedAt time.Time
}

// PendingQueue holds envelopes that could not be pushed to their destination,
// per destination address, until that destination polls for them.
//
// Drain hands out everything queued for an address in one call and removes
// it under the same lock, so concurrent pollers receive disjoint sets. Each
// address holds at most limit entries (the oldest are dropped) and entries
// older than ttl are discarded.
type PendingQueue struct {
	limit   int
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	byAddr map[netaddr.Addr][]pendingEntry
}

func NewPendingQueue(limit int, ttl time.Duration, m *metrics.Metrics) *PendingQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &PendingQueue{
		limit:   limit,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
		byAddr:  make(map[netaddr.Addr][]pendingEntry),
	}
}

// Push appends env to addr's queue and returns how many old entries were
// dropped to stay within the limit.
func (q *PendingQueue) Push(addr netaddr.Addr, env Envelope) int {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.expireLocked(addr, now)
	entries = append(entries, pendingEntry{env: env, queuedAt: now})

	dropped := 0
	if over := len(entries) - q.limit; over > 0 {
		dropped = over
		entries = append(entries[:0:0], entries[over:]...)
		q.metrics.Add(metrics.QueueDropped, uint64(over))
	}
	q.byAddr[addr] = entries
	q.metrics.Inc(metrics.EnvelopesQueued)
	return dropped
}

// Drain removes and returns every unexpired envelope queued for addr, oldest
// first. A second Drain right after returns nothing.
func (q *PendingQueue) Drain(addr netaddr.Addr) []Envelope {
	now := q.now()

	q.mu.Lock()
	entries := q.expireLocked(addr, now)
	delete(q.byAddr, addr)
	q.mu.Unlock()

	out := make([]Envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.env)
	}
	return out
}

func (q *PendingQueue) Len(addr netaddr.Addr) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byAddr[addr])
}

// Sweep discards expired entries for every address and returns how many were
// removed.
func (q *PendingQueue) Sweep() int {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for addr, entries := range q.byAddr {
		before := len(entries)
		kept := q.expireLocked(addr, now)
		removed += before - len(kept)
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (q *PendingQueue) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// expireLocked drops expired entries of addr in place and returns what is
// left. Entries are in insertion order, so expiry is a prefix.
func (q *PendingQueue) expireLocked(addr netaddr.Addr, now time.Time) []pendingEntry {
	entries := q.byAddr[addr]
	cut := 0
	for cut < len(entries) && now.Sub(entries[cut].queuedAt) > q.ttl {
		cut++
	}
	if cut == 0 {
		return entries
	}
	q.metrics.Add(metrics.QueueExpired, uint64(cut))
	entries = entries[cut:]
	if len(entries) == 0 {
		delete(q.byAddr, addr)
		return nil
	}
	q.byAddr[addr] = entries
	return entries
}
