package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	bundlerpc "workflow-bundles/go-backend/internal/domains/bundle/adapters/rpc"
	"workflow-bundles/go-backend/internal/platform/ratelimiter"
)

const DefaultRPCAddr = "127.0.0.1:8787"

const (
	rpcTokenHeader     = "X-Bundle-RPC-Token"
	actorHeader        = "X-Bundle-Actor"
	requestIDHeader    = "X-Request-ID"
	shutdownTimeout    = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
	defaultMaxBodySize = 96 << 20
)

type Options struct {
	Addr    string
	Token   string
	Service bundlerpc.Service
	// Limiter throttles callers keyed by token or remote ip. Nil disables it.
	Limiter *ratelimiter.MapLimiter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	// MaxBodyBytes bounds JSON-RPC and raw import bodies. Base64 archives
	// are a third larger than the archive itself.
	MaxBodyBytes int64
	// AllowedOrigins extends the loopback origins accepted for browser calls.
	AllowedOrigins []string
	Now            func() time.Time
}

type Server struct {
	httpServer  *http.Server
	service     bundlerpc.Service
	initErr     error
	rpcToken    string
	limiter     *ratelimiter.MapLimiter
	idempotency *rpcIdempotencyCache
	logger      *slog.Logger
	maxBody     int64
	origins     map[string]struct{}
	now         func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.Service == nil {
		return &Server{initErr: errors.New("bundle service is required")}
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = DefaultRPCAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins[o] = struct{}{}
		}
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		service:     opts.Service,
		rpcToken:    strings.TrimSpace(opts.Token),
		limiter:     opts.Limiter,
		idempotency: newRPCIdempotencyCache(),
		logger:      logger,
		maxBody:     maxBody,
		origins:     origins,
		now:         now,
	}
	if s.rpcToken == "" && !isLoopbackAddr(addr) {
		s.initErr = errors.New("rpc token is required when listening on a non-loopback address")
		return s
	}
	if s.rpcToken == "" {
		logger.Warn("rpc token is not set; RPC auth disabled", "addr", addr)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("GET /bundles/{id}/archive", s.handleArchiveDownload)
	mux.HandleFunc("POST /bundles/import", s.handleArchiveImport)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// Handler exposes the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return http.NotFoundHandler()
	}
	return s.httpServer.Handler
}

func (s *Server) Err() error {
	return s.initErr
}

func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc server listening", "addr", s.httpServer.Addr)
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+rpcTokenHeader+", "+actorHeader+", "+rpcIdempotencyHeader+", "+requestIDHeader)
	return true
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if _, ok := s.origins[strings.TrimRight(raw, "/")]; ok {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// guard runs CORS, auth and rate limiting. It reports whether the handler
// should continue.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if !s.applyCORS(w, r) {
		return false
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if !s.authorizeRPC(w, r) {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow(rpcRateLimitKey(r, s.extractRPCToken(r)), s.now()) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(rpcTokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func rpcRateLimitKey(r *http.Request, token string) string {
	if strings.TrimSpace(token) != "" {
		return "token:" + token
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "ip:unknown"
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return "ip:" + remote
	}
	if strings.TrimSpace(host) == "" {
		return "ip:unknown"
	}
	return "ip:" + host
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
