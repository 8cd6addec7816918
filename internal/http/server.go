// Package http exposes the gateway over HTTP: chat, image and video
// generation plus health, provider, quota and metrics endpoints.
package http

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/fallgate/internal/dispatch"
	"github.com/roelfdiedericks/fallgate/internal/gateway"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/quota"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// Gateway is what the server needs from the request boundary.
type Gateway interface {
	Handle(ctx context.Context, req *types.Request) (*gateway.Reply, error)
	Usage(ctx context.Context, userKey string, kind types.ResourceKind) (quota.Usage, error)
	Providers(c types.Capability, fast bool) []*dispatch.Provider
	Uptime() time.Duration
}

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	gw          Gateway
	rateLimiter *RateLimiter
	maxBody     int64
	fetch       *http.Client
	guard       fetchGuard
	wg          sync.WaitGroup
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen             string // Address to listen on (e.g., ":8080", "127.0.0.1:8080")
	MaxBodyBytes       int64  // Request body limit; 0 means 10 MiB
	RateLimitPerMinute int    // Generation requests per client IP; 0 disables
	WriteTimeout       time.Duration
}

const defaultMaxBody = 10 << 20

// NewServer creates a new HTTP server instance
func NewServer(cfg *ServerConfig, gw Gateway) (*Server, error) {
	if gw == nil {
		return nil, fmt.Errorf("http server requires a gateway")
	}

	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	// generation can legitimately take the whole request budget
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Minute
	}

	s := &Server{
		gw:          gw,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		maxBody:     maxBody,
		guard:       refuseInternal,
	}
	s.fetch = newFetchClient(func(addr netip.AddrPort) error { return s.guard(addr) })

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}
	L_debug("http: server created", "listen", listen, "maxBody", maxBody, "rateLimit", cfg.RateLimitPerMinute)
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// logging -> strip headers -> request id -> body limit
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.requestID(s.limitBody(h))))
	}
	// generation routes are also rate limited per client
	gen := func(h http.HandlerFunc) http.HandlerFunc {
		return wrap(s.rateLimit(h))
	}

	mux.HandleFunc("/chat", gen(s.handleChat))
	mux.HandleFunc("/generate_image", gen(s.handleGenerate(types.ImageGeneration)))
	mux.HandleFunc("/generate_video", gen(s.handleGenerate(types.VideoGeneration)))
	mux.HandleFunc("/download_media", wrap(s.handleDownload))

	mux.HandleFunc("/health", wrap(s.handleHealth))
	mux.HandleFunc("/api/providers", wrap(s.handleProviders))
	mux.HandleFunc("/api/quota", wrap(s.handleQuota))
	mux.HandleFunc("/api/metrics", wrap(s.handleMetricsAPI))

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"request", lw.Header().Get(requestIDHeader),
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}

type contextKey string

const (
	requestIDKey    contextKey = "requestID"
	requestIDHeader            = "X-Request-ID"
	maxRequestIDLen            = 128
)

// requestID propagates the caller's X-Request-ID or assigns a new one.
func (s *Server) requestID(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		handler(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	}
}

func getRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// limitBody caps the request body size.
func (s *Server) limitBody(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		handler(w, r)
	}
}
