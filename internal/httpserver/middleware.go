package httpserver

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hassio-icloud-backup/icloud-backup/internal/api"
)

// accessLog writes one line per handshake API call once the handler returns.
// Status polls from the add-on UI are logged at debug level.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.Method == http.MethodGet {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "api call", // #nosec G706 -- values sanitized via sanitizeLog
			"request_id", sanitizeLog(middleware.GetReqID(r.Context())),
			"method", sanitizeLog(r.Method),
			"path", sanitizeLog(r.URL.Path),
			"client", sanitizeLog(clientIP(r)),
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// recoverPanics turns a handler panic into a 500 so one bad call cannot take
// down the daemon while a helper is waiting for a code.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			slog.Error("handler panicked", "path", sanitizeLog(r.URL.Path), "panic", v, "stack", string(debug.Stack()))
			writeJSON(w, http.StatusInternalServerError, api.ActionResponse{Message: "Internal server error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// noStore marks every response as uncacheable JSON that must never be framed.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address of the connection. Forwarding headers are
// ignored: behind Home Assistant ingress every call arrives from the
// supervisor, and a direct caller could forge them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// clientLimiter throttles each caller of the handshake API separately, so a
// script hammering /submit_code cannot starve the UI's status polls.
// Callers idle for longer than idle are forgotten.
type clientLimiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	rate     rate.Limit
	burst    int
	idle     time.Duration
	capacity int

	done     chan struct{}
	stopOnce sync.Once
}

func newClientLimiter(r rate.Limit, burst int) *clientLimiter {
	l := &clientLimiter{
		clients:  make(map[string]*client),
		rate:     r,
		burst:    burst,
		idle:     5 * time.Minute,
		capacity: 10000,
		done:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Stop ends the sweep goroutine.
func (l *clientLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// allow takes a token from ip's bucket, creating the bucket on first use.
func (l *clientLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= l.capacity {
			l.dropLeastRecent()
		}
		c = &client{bucket: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	return c.bucket.AllowN(now, 1)
}

func (l *clientLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.sweep(now)
		case <-l.done:
			return
		}
	}
}

func (l *clientLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idle {
			delete(l.clients, ip)
		}
	}
}

// dropLeastRecent forgets the caller seen longest ago. Caller must hold l.mu.
func (l *clientLimiter) dropLeastRecent() {
	var victim string
	var seen time.Time
	for ip, c := range l.clients {
		if victim == "" || c.lastSeen.Before(seen) {
			victim, seen = ip, c.lastSeen
		}
	}
	delete(l.clients, victim)
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.allow(ip, time.Now()) {
			slog.Warn("handshake API rate limit hit", // #nosec G706 -- values sanitized via sanitizeLog
				"client", sanitizeLog(ip),
				"path", sanitizeLog(r.URL.Path),
			)
			writeJSON(w, http.StatusTooManyRequests, api.ActionResponse{Message: "Too many requests, slow down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
