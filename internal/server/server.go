// Package server wires the request dispatcher into a net/http handler:
// logging middleware, request-id tagging, and the /monitoring endpoint
// sit alongside the dispatched routes.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wasiogate/wagi/internal/dispatch"
)

// Stats tracks request counters surfaced by /monitoring, generalized from
// the teacher's ServerStats to a WAGI dispatch server.
type Stats struct {
	mu              sync.RWMutex
	startTime       time.Time
	totalRequests   int64
	successRequests int64
	errorRequests   int64
	routeHits       map[string]int64
}

// NewStats returns a Stats instance with its start time set to now.
func NewStats() *Stats {
	return &Stats{startTime: time.Now(), routeHits: make(map[string]int64)}
}

func (s *Stats) record(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	if status >= 200 && status < 400 {
		s.successRequests++
	} else {
		s.errorRequests++
	}
	s.routeHits[path]++
}

// snapshot is the JSON shape served at /monitoring.
type snapshot struct {
	Uptime          string           `json:"uptime"`
	TotalRequests   int64            `json:"total_requests"`
	SuccessRequests int64            `json:"success_requests"`
	ErrorRequests   int64            `json:"error_requests"`
	RouteHits       map[string]int64 `json:"route_hits"`
}

func (s *Stats) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hits := make(map[string]int64, len(s.routeHits))
	for k, v := range s.routeHits {
		hits[k] = v
	}
	return snapshot{
		Uptime:          humanize.RelTime(s.startTime, time.Now(), "ago", ""),
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		ErrorRequests:   s.errorRequests,
		RouteHits:       hits,
	}
}

// Server adapts a Dispatcher to net/http, with Apache-style access
// logging and an optional /monitoring JSON endpoint.
type Server struct {
	dispatcher *dispatch.Dispatcher
	stats      *Stats
	log        *zap.Logger
	monitoring bool
}

// New builds a Server around dispatcher. When monitoring is true,
// /monitoring is served alongside dispatched routes.
func New(dispatcher *dispatch.Dispatcher, log *zap.Logger, monitoring bool) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		dispatcher: dispatcher,
		stats:      NewStats(),
		log:        log,
		monitoring: monitoring,
	}
}

// ServeHTTP implements http.Handler. It is wrapped in logMiddleware by
// Handler() before being handed to an *http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.monitoring && r.URL.Path == "/monitoring" {
		s.serveMonitoring(w)
		return
	}

	requestID := uuid.NewString()
	log := s.log.With(zap.String("request_id", requestID), zap.String("path", r.URL.Path))

	resp, err := s.dispatcher.Dispatch(r.Context(), requestFromHTTP(r))
	if err != nil {
		log.Debug("no route matched", zap.Error(err))
		http.NotFound(w, r)
		s.stats.record(r.URL.Path, http.StatusNotFound)
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
	s.stats.record(r.URL.Path, resp.StatusCode)
}

func (s *Server) serveMonitoring(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.snapshot())
}

func requestFromHTTP(r *http.Request) dispatch.Request {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	// net/http moves the Host header out of r.Header into r.Host; put it
	// back so it takes part in CGI host/port resolution.
	header := r.Header
	if r.Host != "" && header.Get("Host") == "" {
		header = header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		header.Set("Host", r.Host)
	}
	return dispatch.Request{
		Method:     r.Method,
		URL:        r.URL,
		Header:     header,
		Proto:      r.Proto,
		RemoteAddr: host,
		Body:       r.Body,
	}
}

// Handler returns the fully wrapped net/http handler: access logging
// around the dispatched/monitoring routes.
func (s *Server) Handler() http.Handler {
	return logMiddleware(s.log, s)
}

// loggingResponseWriter captures the status code and byte count written,
// so the access-log middleware can report them after the handler returns.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += int64(n)
	return n, err
}

// logMiddleware logs each request's method, path, status, size, and
// duration as structured fields, the same information the teacher's
// Apache-combined-log middleware captures, reshaped for zap.
func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	var requestCounter atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)
		requestCounter.Add(1)

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		log.Info("request",
			zap.String("remote_addr", host),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.String("proto", r.Proto),
			zap.Int("status", lrw.status),
			zap.Int64("size", lrw.size),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("served_count", requestCounter.Load()),
		)
	})
}
