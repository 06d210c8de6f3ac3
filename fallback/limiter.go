package fallback

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Limits configures the two request-rate ceilings: per principal per
// document, and per principal across all documents.
type Limits struct {
	PerDocRate  rate.Limit
	PerDocBurst int
	GlobalRate  rate.Limit
	GlobalBurst int

	// idle limiter state is evicted after TTL
	CacheSize int
	CacheTTL  time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		PerDocRate:  rate.Every(2 * time.Second),
		PerDocBurst: 5,
		GlobalRate:  rate.Every(time.Second),
		GlobalBurst: 20,
		CacheSize:   4096,
		CacheTTL:    10 * time.Minute,
	}
}

// Limiter holds token buckets keyed by principal and by
// (principal, document), with idle entries aging out of an expirable
// LRU so hot principals cannot grow the map without bound.
type Limiter struct {
	cfg    Limits
	lock   sync.Mutex
	perDoc *expirable.LRU[string, *rate.Limiter]
	global *expirable.LRU[string, *rate.Limiter]
}

func NewLimiter(cfg Limits) *Limiter {
	return &Limiter{
		cfg:    cfg,
		perDoc: expirable.NewLRU[string, *rate.Limiter](cfg.CacheSize, nil, cfg.CacheTTL),
		global: expirable.NewLRU[string, *rate.Limiter](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

func (l *Limiter) bucket(cache *expirable.LRU[string, *rate.Limiter], key string, limit rate.Limit, burst int) *rate.Limiter {
	l.lock.Lock()
	defer l.lock.Unlock()
	if lim, ok := cache.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(limit, burst)
	cache.Add(key, lim)
	return lim
}

// Allow reports whether one more request from the principal against the
// document fits under both ceilings. When it does not, retryAfter says
// how long until it would.
func (l *Limiter) Allow(principal, doc string) (ok bool, retryAfter time.Duration) {
	docLim := l.bucket(l.perDoc, principal+"\x00"+doc, l.cfg.PerDocRate, l.cfg.PerDocBurst)
	allLim := l.bucket(l.global, principal, l.cfg.GlobalRate, l.cfg.GlobalBurst)

	d := docLim.Reserve()
	g := allLim.Reserve()
	delay := d.Delay()
	if g.Delay() > delay {
		delay = g.Delay()
	}
	if delay > 0 {
		d.Cancel()
		g.Cancel()
		return false, delay
	}
	return true, 0
}
