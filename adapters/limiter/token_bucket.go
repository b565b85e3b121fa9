package limiter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// DefaultIdle is how long an untouched bucket is kept
const DefaultIdle = 10 * time.Minute

// Admission policies
const (
	PolicyChallenge    = "challenge"     // per client IP
	PolicyVerify       = "verify"        // per client IP
	PolicyRelay        = "relay"         // per client IP
	PolicyRelayAccount = "relay-account" // per account, after session validation
	PolicySession      = "session"       // per client IP, session lookup and revoke
)

// Policy is a token bucket shape: Capacity tokens refilled evenly over Window
type Policy struct {
	Capacity int
	Window   time.Duration
}

// ParsePolicy reads "N/duration", e.g. "5/1m"
func ParsePolicy(s string) (Policy, error) {
	n, d, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Policy{}, fmt.Errorf("invalid rate %q: expected N/duration", s)
	}

	capacity, err := strconv.Atoi(n)
	if err != nil || capacity <= 0 {
		return Policy{}, fmt.Errorf("invalid rate %q: bad count", s)
	}

	window, err := time.ParseDuration(d)
	if err != nil || window <= 0 {
		return Policy{}, fmt.Errorf("invalid rate %q: bad window", s)
	}

	return Policy{Capacity: capacity, Window: window}, nil
}

// PerSecond is the refill rate in tokens per second
func (p Policy) PerSecond() float64 {
	return float64(p.Capacity) / p.Window.Seconds()
}

func (p Policy) String() string {
	return fmt.Sprintf("%d/%s", p.Capacity, p.Window)
}

type bucket struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// TokenBucket is a keyed token bucket limiter. Buckets are created on first use
// and dropped after sitting idle.
type TokenBucket struct {
	policy  Policy
	limit   rate.Limit
	buckets *cache.Cache
	now     func() time.Time
}

// NewTokenBucket creates a limiter for one policy
func NewTokenBucket(policy Policy, idle time.Duration, clock func() time.Time) ports.RateLimiter {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenBucket{
		policy:  policy,
		limit:   rate.Limit(policy.PerSecond()),
		buckets: cache.New(idle, idle/2),
		now:     clock,
	}
}

func (l *TokenBucket) bucket(key string) *bucket {
	if v, ok := l.buckets.Get(key); ok {
		b := v.(*bucket)
		// touch to slide the idle expiry
		l.buckets.Set(key, b, cache.DefaultExpiration)
		return b
	}

	b := &bucket{lim: rate.NewLimiter(l.limit, l.policy.Capacity)}
	if err := l.buckets.Add(key, b, cache.DefaultExpiration); err != nil {
		if v, ok := l.buckets.Get(key); ok {
			return v.(*bucket)
		}
	}
	return b
}

// Admit takes cost tokens from the key's bucket. A rejected attempt still goes
// into deficit, up to one full capacity, so clients that keep retrying early get
// pushed further back.
func (l *TokenBucket) Admit(key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	if cost > l.policy.Capacity {
		return &core.RateLimitedError{RetryAfter: l.policy.Window}
	}

	now := l.now()
	b := l.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lim.AllowN(now, cost) {
		return nil
	}

	tokens := b.lim.TokensAt(now)
	if tokens-float64(cost) >= -float64(l.policy.Capacity) {
		b.lim.ReserveN(now, cost)
		tokens = b.lim.TokensAt(now)
	}

	return &core.RateLimitedError{RetryAfter: l.wait(float64(cost) - tokens)}
}

// wait is the time needed to refill the given number of tokens
func (l *TokenBucket) wait(tokens float64) time.Duration {
	ns := tokens * float64(l.policy.Window) / float64(l.policy.Capacity)
	return time.Duration(math.Ceil(ns))
}
