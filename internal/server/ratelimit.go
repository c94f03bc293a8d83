package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"geoipd/internal/metrics"
)

// clientLimiter keeps one token bucket per client address. Clients idle
// for longer than the eviction window are forgotten.
type clientLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(r rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		rate:    r,
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*bucket),
	}
}

// allow takes a token from the client's bucket.
func (cl *clientLimiter) allow(client string) bool {
	now := cl.now()
	cl.mu.Lock()
	b, ok := cl.clients[client]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(cl.rate, cl.burst)}
		cl.clients[client] = b
	}
	b.seen = now
	cl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// evictIdle drops clients not seen within idle and reports how many went.
func (cl *clientLimiter) evictIdle(idle time.Duration) int {
	cutoff := cl.now().Add(-idle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for client, b := range cl.clients {
		if b.seen.Before(cutoff) {
			delete(cl.clients, client)
			n++
		}
	}
	return n
}

func (cl *clientLimiter) tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

// runEviction calls evictIdle every interval until ctx is done. wg.Wait
// returns once the goroutine has exited.
func (cl *clientLimiter) runEviction(ctx context.Context, wg *sync.WaitGroup, every, idle time.Duration) {
	wg.Go(func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				cl.evictIdle(idle)
			}
		}
	})
}

// retryAfter is the whole number of seconds until a bucket refills by one.
func (cl *clientLimiter) retryAfter() string {
	if cl.rate <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(cl.rate)))))
}

// limitClients answers 429 once a client has used up its bucket. Clients
// are identified the same way /api/ip reports them.
func limitClients(cl *clientLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if ip := clientIP(r); ip != nil {
			client = ip.String()
		}
		if !cl.allow(client) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", cl.retryAfter())
			writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
