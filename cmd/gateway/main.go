package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jelilat/sentinel/pkg/audit"
	"github.com/jelilat/sentinel/pkg/config"
	"github.com/jelilat/sentinel/pkg/events"
	"github.com/jelilat/sentinel/pkg/hardening"
	"github.com/jelilat/sentinel/pkg/httpx"
	"github.com/jelilat/sentinel/pkg/identity"
	"github.com/jelilat/sentinel/pkg/metrics"
	"github.com/jelilat/sentinel/pkg/policy"
	"github.com/jelilat/sentinel/pkg/proxy"
	"github.com/jelilat/sentinel/pkg/ratelimit"
	"github.com/jelilat/sentinel/pkg/secret"
	"github.com/jelilat/sentinel/pkg/store"
	"github.com/jelilat/sentinel/pkg/stream"
	"github.com/jelilat/sentinel/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Config              *config.Config
	Pipeline            *proxy.Pipeline
	Metrics             *metrics.Registry
	Audit               audit.Store
	RecentDecisions     func(ctx context.Context, limit int) ([]audit.Record, error)
	Events              *stream.Hub
	Publisher           *events.Publisher
	AdminToken          string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "sentinel")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := config.Load(env("GATEWAY_CONFIG", "gateway.yaml"))
	if err != nil {
		return err
	}
	resolver, err := identity.NewResolver(cfg, env("GATEWAY_TOKEN", ""))
	if err != nil {
		return err
	}
	adminToken := env("ADMIN_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		AdminToken:         adminToken,
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratelimit.Limiter
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-memory rate limiting: %v", err)
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	} else {
		defer redisClient.Close()
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	}

	s := &Server{
		Config:              cfg,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AdminToken:          adminToken,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	if strings.TrimSpace(env("DATABASE_URL", "")) != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, audit.Schema); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
		writer := &audit.Writer{DB: pool}
		s.Audit = writer
		s.RecentDecisions = writer.Recent
	} else {
		sink := audit.NewMemorySink(envInt("AUDIT_MEMORY_MAX", 1024))
		s.Audit = sink
		s.RecentDecisions = func(ctx context.Context, limit int) ([]audit.Record, error) {
			return sink.Recent(limit), nil
		}
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := events.NewPublisher(events.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "sentinel.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		s.Publisher = publisher
	}

	s.Pipeline = &proxy.Pipeline{
		Config:   cfg,
		Resolver: resolver,
		Enforcer: &policy.Enforcer{Config: cfg},
		Limiter:  limiter,
		Secrets:  secret.EnvSource{},
		Forwarder: &proxy.Forwarder{
			Client: telemetry.InstrumentClient(&http.Client{}),
		},
		Observe: s.observeDecision,
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("sentinel"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"status":   "ok",
			"service":  "sentinel",
			"services": cfg.ServiceNames(),
		})
	})
	r.Post("/v1/proxy/{service}", s.handleProxy)

	adminRouter := chi.NewRouter()
	adminRouter.Use(s.adminAuthMiddleware)
	adminRouter.Get("/v1/services", s.listServices)
	adminRouter.Get("/v1/agents", s.listAgents)
	adminRouter.Get("/v1/decisions", s.listDecisions)
	adminRouter.Get("/v1/stream", s.streamDecisions)
	adminRouter.Get("/metrics", s.Metrics.Handler())
	adminRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Mount("/", adminRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s services=%d agents=%d", addr, len(cfg.Services), len(cfg.Agents))
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	serviceName := chi.URLParam(r, "service")
	var req proxy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httpx.Error(w, 400, "invalid json")
		return
	}
	outcome := s.Pipeline.Handle(r.Context(), proxy.Inbound{
		ServiceName: serviceName,
		Token:       r.Header.Get("X-Agent-Token"),
		ClientIP:    s.clientIP(r),
		Origin:      r.Header.Get("Origin"),
		Referer:     r.Header.Get("Referer"),
		Request:     req,
	})
	if outcome.Terminal() {
		httpx.Error(w, outcome.Status, outcome.Error)
		return
	}
	if outcome.ContentType != "" {
		w.Header().Set("Content-Type", outcome.ContentType)
	}
	w.WriteHeader(outcome.Status)
	_, _ = w.Write(outcome.Body)
}

// observeDecision fans each redacted decision out to metrics, the audit
// log, the websocket hub and Kafka. It runs inline on the request path, so
// every sink must be non-blocking or bounded.
func (s *Server) observeDecision(d proxy.Decision) {
	decision := "DENIED"
	if d.Outcome.Forwarded {
		decision = "FORWARDED"
		s.Metrics.ObserveUpstream(d.Service, d.Outcome.Latency)
	}
	s.Metrics.IncDecision(decision)
	s.Metrics.IncReason(d.Outcome.Reason)

	rec := audit.Record{
		DecisionID: uuid.New().String(),
		Identity:   d.Identity,
		Service:    d.Service,
		Method:     d.Method,
		Path:       d.Path,
		Decision:   decision,
		Reason:     d.Outcome.Reason,
		Status:     d.Outcome.Status,
		ClientIP:   d.ClientIP,
		LatencyMS:  d.Outcome.Latency.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
	s.Events.Publish(stream.NewEvent("decision", rec))
	s.Publisher.Publish(ctx, d.Service, rec)
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.AdminToken) == "" {
			httpx.Error(w, 503, "admin api disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.AdminToken)) != 1 {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// listServices exposes the read-only service table. Credential material
// (secret env names, auth templates) is elided.
func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	type serviceSummary struct {
		Name               string   `json:"name"`
		BaseURL            string   `json:"base_url"`
		AllowedMethods     []string `json:"allowed_methods,omitempty"`
		AllowedPaths       []string `json:"allowed_paths,omitempty"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		TimeoutMS          int      `json:"timeout_ms"`
	}
	items := make([]serviceSummary, 0, len(s.Config.Services))
	for _, name := range s.Config.ServiceNames() {
		svc := s.Config.Services[name]
		items = append(items, serviceSummary{
			Name:               svc.Name,
			BaseURL:            svc.BaseURL,
			AllowedMethods:     svc.AllowedMethods,
			AllowedPaths:       svc.AllowedPaths,
			RateLimitPerMinute: svc.RateLimitPerMinute,
			TimeoutMS:          svc.TimeoutMS,
		})
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

// listAgents exposes the agent table with tokens elided.
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	type agentSummary struct {
		Name               string   `json:"name"`
		AllowedServices    []string `json:"allowed_services"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
		AllowedIPCount     int      `json:"allowed_ip_count"`
	}
	items := make([]agentSummary, 0, len(s.Config.Agents))
	for _, agent := range s.Config.Agents {
		items = append(items, agentSummary{
			Name:               agent.Name,
			AllowedServices:    agent.AllowedServices,
			RateLimitPerMinute: agent.RateLimitPerMinute,
			AllowedIPCount:     len(agent.AllowedIPs),
		})
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	items, err := s.RecentDecisions(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "failed to list decisions")
		return
	}
	if items == nil {
		items = []audit.Record{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := splitNonEmpty(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller address used for allowlist checks.
// Forwarding headers are honored only when the direct peer is a trusted
// proxy; otherwise any caller could spoof its way past an IP allowlist.
func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
