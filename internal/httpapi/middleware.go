package httpapi

import (
	"compress/gzip"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// statusRecorder remembers the status and size of a response for metrics and
// the access log. Its inner writer may be swapped for a gzip writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w}
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *statusRecorder) Bytes() int64 { return r.bytes }

// baseWriter unwraps the recorder. The WebSocket upgrade needs the
// connection's own writer for http.Hijacker.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if rec, ok := w.(*statusRecorder); ok && rec.ResponseWriter != nil {
		return rec.ResponseWriter
	}
	return w
}

var gzipWriters = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.zw.Write(b) }

func (g *gzipWriter) Close() error {
	err := g.zw.Close()
	g.zw.Reset(nil)
	gzipWriters.Put(g.zw)
	return err
}

// maybeGzip compresses the response when the client accepts gzip and the
// request is not an upgrade. The recorder stays outermost so status and byte
// counts still reflect what the handler wrote.
func maybeGzip(w http.ResponseWriter, r *http.Request) (*gzipWriter, bool) {
	if r.Header.Get("Upgrade") != "" || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		return nil, false
	}
	base := baseWriter(w)
	zw := gzipWriters.Get().(*gzip.Writer)
	zw.Reset(base)
	gz := &gzipWriter{ResponseWriter: base, zw: zw}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	if rec, ok := w.(*statusRecorder); ok {
		rec.ResponseWriter = gz
	}
	return gz, true
}

// ipRateLimiter keeps one token bucket per client address. Buckets idle for
// longer than the TTL are forgotten.
type ipRateLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	rate    rate.Limit
	burst   int
}

const (
	limiterClients = 1024
	limiterIdleTTL = 5 * time.Minute
)

// newIPRateLimiter returns nil, which allows everything, unless both rps and
// burst are positive.
func newIPRateLimiter(rps, burst int) *ipRateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](limiterClients, nil, limiterIdleTTL),
		rate:    rate.Limit(rps),
		burst:   burst,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets.Get(ip)
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
	}
	// Re-adding refreshes the idle TTL.
	l.buckets.Add(ip, bucket)
	return bucket.Allow()
}

// remoteIP is the peer address. X-Forwarded-For is only believed from a
// loopback peer, which is where a local reverse proxy would sit.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return host
}

// corsPolicy admits browser origins for overlay pages served from elsewhere.
// A nil policy sets no headers and rejects nothing.
type corsPolicy struct {
	any     bool
	origins map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]bool)}
	for _, o := range origins {
		switch o = strings.TrimRight(strings.TrimSpace(o), "/"); o {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[o] = true
		}
	}
	if !p.any && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (c *corsPolicy) allows(origin string) bool {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return c.any || c.origins[origin]
}

// handlePreflight answers OPTIONS requests that carry an Origin.
func (c *corsPolicy) handlePreflight(w http.ResponseWriter, r *http.Request) (handled bool, status int) {
	if c == nil || r.Method != http.MethodOptions {
		return false, 0
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false, 0
	}
	if !c.allows(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true, http.StatusForbidden
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
	}
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true, http.StatusNoContent
}

// applyHeaders reports false for a foreign Origin.
func (c *corsPolicy) applyHeaders(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if c == nil || origin == "" {
		return true
	}
	if !c.allows(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
