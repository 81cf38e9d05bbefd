package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultThrottleMaxEntries bounds the number of tracked client/account pairs.
	DefaultThrottleMaxEntries = 10000

	defaultThrottleCleanupInterval = 5 * time.Minute
	defaultThrottleIdleTimeout     = 30 * time.Minute
)

type throttleEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RefreshThrottle limits how often a single client/account pair may call the
// token endpoint. Entries are kept in LRU order and evicted when the table is
// full or idle for too long.
type RefreshThrottle struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	cleanupInterval time.Duration
	idleTimeout     time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	evictions int64
}

// NewRefreshThrottle creates a throttle allowing perSecond refreshes per key with
// the given burst. A non-positive perSecond returns nil, which callers treat as
// "no throttling"; all methods are nil-safe.
func NewRefreshThrottle(perSecond float64, burst int, logger *slog.Logger) *RefreshThrottle {
	return NewRefreshThrottleWithMax(perSecond, burst, DefaultThrottleMaxEntries, logger)
}

// NewRefreshThrottleWithMax is NewRefreshThrottle with a custom entry bound.
// maxEntries of 0 means unbounded.
func NewRefreshThrottleWithMax(perSecond float64, burst, maxEntries int, logger *slog.Logger) *RefreshThrottle {
	if perSecond <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	if maxEntries < 0 {
		maxEntries = DefaultThrottleMaxEntries
	}

	t := &RefreshThrottle{
		entries:         make(map[string]*list.Element),
		lru:             list.New(),
		limit:           rate.Limit(perSecond),
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		now:             time.Now,
		cleanupInterval: defaultThrottleCleanupInterval,
		idleTimeout:     defaultThrottleIdleTimeout,
		stopCleanup:     make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Allow consumes one token for key and reports whether the refresh may proceed.
func (t *RefreshThrottle) Allow(key string) bool {
	if t == nil {
		return true
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.entries[key]; ok {
		t.lru.MoveToFront(elem)
		entry := elem.Value.(*throttleEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		t.evictOldest()
	}

	entry := &throttleEntry{
		key:        key,
		limiter:    rate.NewLimiter(t.limit, t.burst),
		lastAccess: now,
	}
	t.entries[key] = t.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used entry. Caller holds t.mu.
func (t *RefreshThrottle) evictOldest() {
	elem := t.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*throttleEntry)
	delete(t.entries, entry.key)
	t.lru.Remove(elem)
	t.evictions++
	t.logger.Debug("Refresh throttle evicted entry",
		"total_evictions", t.evictions,
		"current_entries", len(t.entries))
}

func (t *RefreshThrottle) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup(t.idleTimeout)
		case <-t.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for longer than maxIdle and returns how many were removed.
func (t *RefreshThrottle) Cleanup(maxIdle time.Duration) int {
	if t == nil {
		return 0
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	// The list is in LRU order, so stop at the first entry that is still fresh.
	for elem := t.lru.Back(); elem != nil; {
		entry := elem.Value.(*throttleEntry)
		if now.Sub(entry.lastAccess) <= maxIdle {
			break
		}
		prev := elem.Prev()
		delete(t.entries, entry.key)
		t.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		t.logger.Debug("Refresh throttle cleanup completed",
			"removed", removed,
			"remaining", len(t.entries))
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *RefreshThrottle) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop ends the background cleanup. It is safe to call more than once.
func (t *RefreshThrottle) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stopCleanup) })
}
