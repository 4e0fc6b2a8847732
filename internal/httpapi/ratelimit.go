package httpapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiterKeys bounds the per-client limiter map so remote addresses
// cannot grow it without limit.
const maxLimiterKeys = 1024

// clientLimiter applies a per-client token bucket. A zero or negative
// rpm disables limiting.
type clientLimiter struct {
	rpm int

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func newClientLimiter(rpm int) *clientLimiter {
	return &clientLimiter{
		rpm:     rpm,
		clients: make(map[string]*rate.Limiter),
	}
}

func (c *clientLimiter) allow(key string) bool {
	if c.rpm <= 0 {
		return true
	}

	c.mu.Lock()
	lim, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= maxLimiterKeys {
			// Reset rather than evict selectively; limiters refill fast.
			c.clients = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Limit(float64(c.rpm)/60), c.rpm)
		c.clients[key] = lim
	}
	c.mu.Unlock()

	return lim.Allow()
}

// clientKey identifies the caller by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
