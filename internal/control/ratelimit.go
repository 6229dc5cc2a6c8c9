package control

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Endpoints with their own request budget.
const (
	limitScan   = "scan"
	limitUpdate = "update"
	limitStream = "stream"
)

// limitPolicy is a token bucket: burst requests at once, refilled at rate
// tokens per second.
type limitPolicy struct {
	rate  float64
	burst float64
}

// Scans sweep the whole subnet and a stream saturates the link for the
// length of a test; device edits are cheap.
var defaultLimits = map[string]limitPolicy{
	limitScan:   {rate: 1.0 / 10, burst: 2},
	limitUpdate: {rate: 1, burst: 5},
	limitStream: {rate: 1.0 / 30, burst: 2},
}

type bucketKey struct {
	endpoint string
	client   string
}

type bucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter keeps one bucket per endpoint and client IP. Buckets idle for
// longer than ttl are swept at most once per ttl.
type rateLimiter struct {
	mu        sync.Mutex
	policies  map[string]limitPolicy
	buckets   map[bucketKey]*bucket
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(policies map[string]limitPolicy, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		policies: policies,
		buckets:  make(map[bucketKey]*bucket),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow charges one token for client on endpoint. When refused it returns
// how long until a token is available. Unknown endpoints and clients
// without an address are always refused.
func (r *rateLimiter) Allow(endpoint, client string) (time.Duration, bool) {
	policy, ok := r.policies[endpoint]
	if !ok || client == "" || policy.rate <= 0 {
		return 0, false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(now)

	key := bucketKey{endpoint: endpoint, client: client}
	b := r.buckets[key]
	if b == nil {
		b = &bucket{tokens: policy.burst, last: now}
		r.buckets[key] = b
	}
	b.tokens = min(policy.burst, b.tokens+now.Sub(b.last).Seconds()*policy.rate)
	b.last = now
	if b.tokens < 1 {
		wait := (1 - b.tokens) / policy.rate
		return time.Duration(wait * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

func (r *rateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.ttl {
		return
	}
	r.lastSweep = now
	for key, b := range r.buckets {
		if now.Sub(b.last) > r.ttl {
			delete(r.buckets, key)
		}
	}
}

func (r *rateLimiter) tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// setRetryAfter reports wait in whole seconds, at least one.
func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	secs := max(1, int(math.Ceil(wait.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
