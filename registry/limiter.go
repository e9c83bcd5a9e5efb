package registry

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// maxTrackedSources bounds the memory used by per-source windows. The least
// recently seen source is forgotten first.
const maxTrackedSources = 100_000

// Limiter is a per-source sliding-window counter. The estimate for a source is
// the previous window's count weighted by its remaining overlap plus the
// current window's count.
type Limiter struct {
	limit int
	size  time.Duration
	clock clock.Clock

	mu      sync.Mutex
	windows *expirable.LRU[string, *window]
}

type window struct {
	mu    sync.Mutex
	start time.Time
	prev  int
	curr  int
}

// NewLimiter returns a limiter allowing limit requests per size window per
// source. A zero limit disables limiting.
func NewLimiter(limit int, size time.Duration, clk clock.Clock) *Limiter {
	l := &Limiter{
		limit: limit,
		size:  size,
		clock: clk,
	}
	if limit > 0 {
		l.windows = expirable.NewLRU[string, *window](maxTrackedSources, nil, 2*size)
	}
	return l
}

// Allow records a request from source and reports whether it is within the limit.
func (l *Limiter) Allow(source string) bool {
	if l.limit <= 0 {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	w, ok := l.windows.Get(source)
	if !ok {
		w = &window{start: now.Truncate(l.size)}
	}
	l.windows.Add(source, w)
	l.mu.Unlock()

	return w.allow(now, l.limit, l.size)
}

// Tracked returns how many sources currently have a window.
func (l *Limiter) Tracked() int {
	if l.limit <= 0 {
		return 0
	}
	return l.windows.Len()
}

func (w *window) allow(now time.Time, limit int, size time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := now.Sub(w.start)
	if elapsed >= size {
		if elapsed >= 2*size {
			w.prev = 0
		} else {
			w.prev = w.curr
		}
		w.curr = 0
		w.start = w.start.Add(elapsed.Truncate(size))
		elapsed = now.Sub(w.start)
	}

	weight := float64(size-elapsed) / float64(size)
	estimate := math.Floor(float64(w.prev)*weight) + float64(w.curr)
	if estimate >= float64(limit) {
		return false
	}

	w.curr++
	return true
}

// globalLimiter caps registrations across all sources with a token bucket.
type globalLimiter struct {
	bucket *rate.Limiter
	clock  clock.Clock
}

func newGlobalLimiter(perSecond float64, clk clock.Clock) *globalLimiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	return &globalLimiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), burst),
		clock:  clk,
	}
}

func (g *globalLimiter) Allow() bool {
	if g == nil {
		return true
	}
	return g.bucket.AllowN(g.clock.Now(), 1)
}
