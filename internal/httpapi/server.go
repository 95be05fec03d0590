// Package httpapi serves the read side of the relay: stored messages, the
// overlay WebSocket and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/hub"
)

type Store interface {
	CountMessages(ctx context.Context, filters Filters) (int64, error)
	ListMessages(ctx context.Context, filters Filters) ([]core.Message, error)
}

// Realtime is the overlay fan-out. *hub.Hub satisfies it.
type Realtime interface {
	http.Handler
	Snapshot() hub.Snapshot
}

type Options struct {
	Addr           string
	Build          BuildInfo
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	Metrics        *Metrics
	// Mount registers extra routes, such as the control surface, on the mux.
	Mount func(mux *http.ServeMux)
}

type Server struct {
	httpServer *http.Server
	store      Store
	realtime   Realtime
	opts       Options
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	started    time.Time
}

func New(store Store, realtime Realtime, opts Options) *Server {
	srv := &Server{
		store:    store,
		realtime: realtime,
		opts:     opts,
		metrics:  opts.Metrics,
		limiter:  newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		cors:     newCORSPolicy(opts.CORSOrigins),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.wrap("healthz", http.HandlerFunc(srv.handleHealthz)))
	mux.Handle("/count", srv.wrap("count", http.HandlerFunc(srv.handleCount)))
	mux.Handle("/messages", srv.wrap("messages", http.HandlerFunc(srv.handleMessages)))
	mux.Handle("/snapshot", srv.wrap("snapshot", http.HandlerFunc(srv.handleSnapshot)))
	mux.Handle("/info", srv.wrap("info", http.HandlerFunc(srv.handleInfo)))
	if realtime != nil {
		mux.Handle("/ws", srv.wrap("ws", http.HandlerFunc(srv.handleWS)))
	}
	if srv.metrics != nil {
		mux.Handle("/metrics", srv.metrics.Handler())
	}
	if opts.Mount != nil {
		opts.Mount(mux)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// wrap applies CORS, per-IP rate limiting, gzip, request metrics and the
// access log around h.
func (s *Server) wrap(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		defer func() {
			dur := time.Since(start)
			s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
			slog.Debug("http: request", "route", route, "method", r.Method, "status", rec.Status(), "bytes", rec.Bytes(), "dur", dur)
		}()

		if handled, _ := s.cors.handlePreflight(rec, r); handled {
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		if gz, ok := maybeGzip(rec, r); ok {
			defer gz.Close()
		}
		h.ServeHTTP(rec, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.store.CountMessages(r.Context(), filters)
	if err != nil {
		slog.Warn("http: count failed", "err", err)
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"count": count})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.ListMessages(r.Context(), filters)
	if err != nil {
		slog.Warn("http: list failed", "err", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Message{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.realtime == nil {
		writeJSON(w, hub.Snapshot{})
		return
	}
	writeJSON(w, s.realtime.Snapshot())
}

// handleWS hands the connection to the hub. The upgrade needs the raw
// writer, so recorder and gzip layers are peeled off.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	s.realtime.ServeHTTP(baseWriter(w), r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	slog.Info("http api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
