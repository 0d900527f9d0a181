package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/solar-fleet/sfc/internal/auth"
)

const (
	limiterIdle     = 10 * time.Minute
	limiterPruneMax = 1024
)

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// callerLimiter applies a token bucket per caller. A zero rate disables it.
type callerLimiter struct {
	mu      sync.Mutex
	callers map[string]*callerEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newCallerLimiter(perSecond float64, burst int) *callerLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		callers: make(map[string]*callerEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *callerLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.callers[key]
	if !ok {
		if len(l.callers) >= limiterPruneMax {
			l.prune(now)
		}
		e = &callerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// prune drops callers idle longer than limiterIdle. Caller holds l.mu.
func (l *callerLimiter) prune(now time.Time) {
	for k, e := range l.callers {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.callers, k)
		}
	}
}

// callerKey identifies the caller by token subject, else by remote host.
func callerKey(r *http.Request) string {
	if c := auth.FromContext(r.Context()); c != nil && c != auth.Anonymous && c.Subject != "" {
		return "sub:" + c.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
