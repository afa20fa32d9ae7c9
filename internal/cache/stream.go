package cache

import (
	"net/url"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// A Clock returns the current time. Tests substitute a fixed one.
type Clock func() time.Time

const (
	DefaultTTL    = 3 * time.Hour
	DefaultMargin = 5 * time.Minute
)

// An Entry is a resolved upstream URL and the unix time at which it must no longer be used.
type Entry struct {
	URL       string
	ExpiresAt int64
}

// StreamCache maps item IDs to resolved upstream URLs. Entries are never deleted, only overwritten; an expired entry
// is simply reported as missing.
type StreamCache struct {
	entries *xsync.MapOf[string, Entry]
	now     Clock
	ttl     time.Duration
	margin  time.Duration
}

type Option func(*StreamCache)

func WithClock(clock Clock) Option {
	return func(c *StreamCache) {
		c.now = clock
	}
}

// WithTTL sets the lifetime of URLs that do not carry their own expiry.
func WithTTL(ttl time.Duration) Option {
	return func(c *StreamCache) {
		c.ttl = ttl
	}
}

// WithMargin sets how long before an embedded expiry time a URL stops being used.
func WithMargin(margin time.Duration) Option {
	return func(c *StreamCache) {
		c.margin = margin
	}
}

func NewStreamCache(opts ...Option) *StreamCache {
	c := &StreamCache{
		entries: xsync.NewMapOf[string, Entry](),
		now:     time.Now,
		ttl:     DefaultTTL,
		margin:  DefaultMargin,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached URL for the item if there is one and it has not expired.
func (c *StreamCache) Get(itemID string) (string, bool) {
	entry, ok := c.entries.Load(itemID)
	if !ok || c.now().Unix() >= entry.ExpiresAt {
		return "", false
	}
	return entry.URL, true
}

// Put stores a freshly resolved URL for the item, replacing any previous entry.
func (c *StreamCache) Put(itemID string, upstreamURL string) Entry {
	entry := Entry{URL: upstreamURL, ExpiresAt: c.ExpiryFor(upstreamURL)}
	c.entries.Store(itemID, entry)
	return entry
}

// Invalidate marks the item's entry as expired without removing it.
func (c *StreamCache) Invalidate(itemID string) {
	if entry, ok := c.entries.Load(itemID); ok {
		entry.ExpiresAt = 0
		c.entries.Store(itemID, entry)
	}
}

// Len returns the number of entries, including expired ones.
func (c *StreamCache) Len() int {
	return c.entries.Size()
}

// ExpiryFor computes when a URL resolved now should stop being used. URLs with an "expire" query parameter (as used
// by the YouTube CDN) expire that many seconds after the epoch, less the safety margin; others get the default TTL.
func (c *StreamCache) ExpiryFor(upstreamURL string) int64 {
	now := c.now()
	if expire, ok := embeddedExpiry(upstreamURL); ok {
		return expire - int64(c.margin.Seconds())
	}
	return now.Add(c.ttl).Unix()
}

func embeddedExpiry(upstreamURL string) (int64, bool) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return 0, false
	}
	value := u.Query().Get("expire")
	if value == "" {
		return 0, false
	}
	expire, err := strconv.ParseInt(value, 10, 64)
	if err != nil || expire <= 0 {
		return 0, false
	}
	return expire, true
}
