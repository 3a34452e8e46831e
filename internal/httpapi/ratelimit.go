package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	BranchPerMinute int
	BranchBurst     int
}

// RateLimiter throttles per client IP and per branch, so one busy kiosk
// floor cannot starve the other branches.
type RateLimiter struct {
	byIP     *tokenLimiter
	byBranch *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		byIP:     newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		byBranch: newTokenLimiter(cfg.BranchPerMinute, cfg.BranchBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" && !l.byIP.allow(ip) {
			writeError(w, requestIDFrom(r, ""), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if branchID, requestID := extractBranchAndRequestID(r); branchID != "" && !l.byBranch.allow(branchID) {
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idleBucketTTL is how long an untouched bucket is kept. A bucket idle
// that long has refilled completely, so dropping it changes nothing.
const idleBucketTTL = 10 * time.Minute

type tokenLimiter struct {
	mu         sync.Mutex
	perSecond  float64
	burst      float64
	buckets    map[string]*bucket
	lastPruned time.Time
	now        func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &tokenLimiter{
		perSecond: float64(perMinute) / 60,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	return b.take(now, l.perSecond, l.burst)
}

func (b *bucket) take(now time.Time, perSecond, burst float64) bool {
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*perSecond)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *tokenLimiter) prune(now time.Time) {
	if now.Sub(l.lastPruned) < idleBucketTTL {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= idleBucketTTL {
			delete(l.buckets, key)
		}
	}
	l.lastPruned = now
}

func clientIP(r *http.Request) string {
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(forwarded) != "" {
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractBranchAndRequestID finds the branch a request targets: the
// X-Branch-ID header, the branch_id query parameter, or a JSON body field.
// The body is restored for the handler.
func extractBranchAndRequestID(r *http.Request) (string, string) {
	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	branchID := strings.TrimSpace(r.Header.Get("X-Branch-ID"))
	if branchID == "" {
		branchID = strings.TrimSpace(r.URL.Query().Get("branch_id"))
	}
	if branchID != "" || r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return branchID, requestID
	}

	body, err := readBody(r)
	if err != nil {
		return branchID, requestID
	}
	var probe struct {
		BranchID  string `json:"branch_id"`
		RequestID string `json:"request_id"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return branchID, requestID
	}
	if requestID == "" {
		requestID = strings.TrimSpace(probe.RequestID)
	}
	return strings.TrimSpace(probe.BranchID), requestID
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
