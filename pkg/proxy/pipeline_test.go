package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jelilat/sentinel/pkg/config"
	"github.com/jelilat/sentinel/pkg/identity"
	"github.com/jelilat/sentinel/pkg/policy"
	"github.com/jelilat/sentinel/pkg/ratelimit"
)

type mapSecrets map[string]string

func (m mapSecrets) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// recordingLimiter tracks Allow calls so tests can assert charging order.
type recordingLimiter struct {
	calls []string
	deny  map[string]bool
}

func (r *recordingLimiter) Allow(key string, limit int) ratelimit.Decision {
	if limit <= 0 {
		return ratelimit.Decision{Allowed: true, Limit: limit}
	}
	r.calls = append(r.calls, key)
	if r.deny[key] {
		return ratelimit.Decision{Allowed: false, Limit: limit}
	}
	return ratelimit.Decision{Allowed: true, Limit: limit, Count: 1}
}

func pipelineConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	doc := fmt.Sprintf(`
services:
  openai:
    base_url: %s
    allowed_hosts: [127.0.0.1]
    auth:
      type: header
      name: Authorization
      template: "Bearer ${SECRET}"
    secret_env: OPENAI_API_KEY
    allowed_methods: [POST]
    rate_limit_per_minute: 2
  stripe:
    base_url: https://api.stripe.com
    allowed_hosts: [api.stripe.com]
    auth:
      type: header
      name: Authorization
      template: "Bearer ${SECRET}"
    secret_env: STRIPE_API_KEY
  guarded:
    base_url: %s
    allowed_hosts: [127.0.0.1]
    auth:
      type: header
      name: Authorization
      template: "Bearer ${SECRET}"
    secret_env: GUARDED_API_KEY
    allowed_ips: ["10.0.0.0/24"]
agents:
  a1:
    token: agt_alpha
    allowed_services: [openai, guarded]
    rate_limit_per_minute: 10
`, upstreamURL, upstreamURL)
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, limiter ratelimit.Limiter) *Pipeline {
	t.Helper()
	resolver, err := identity.NewResolver(cfg, "")
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return &Pipeline{
		Config:   cfg,
		Resolver: resolver,
		Enforcer: &policy.Enforcer{Config: cfg},
		Limiter:  limiter,
		Secrets:  mapSecrets{"OPENAI_API_KEY": "sk-live", "GUARDED_API_KEY": "gk-live"},
		Forwarder: &Forwarder{
			Logf: func(string, ...interface{}) {},
		},
	}
}

func TestHandleRateLimitScenario(t *testing.T) {
	upstreamCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(200)
	}))
	defer srv.Close()

	cfg := pipelineConfig(t, srv.URL)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewInMemory(time.Minute).WithClock(func() time.Time { return now })
	p := newPipeline(t, cfg, limiter)
	p.Forwarder.Client = srv.Client()

	in := Inbound{
		ServiceName: "openai",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "/v1/chat"},
	}
	for i := 0; i < 2; i++ {
		out := p.Handle(context.Background(), in)
		if !out.Forwarded || out.Status != 200 {
			t.Fatalf("call %d should be forwarded: %+v", i+1, out)
		}
	}
	third := p.Handle(context.Background(), in)
	if third.Status != 429 {
		t.Fatalf("third call should be rate limited: %+v", third)
	}
	if !strings.Contains(third.Error, "2") {
		t.Fatalf("429 message must carry the configured limit: %q", third.Error)
	}
	if upstreamCalls != 2 {
		t.Fatalf("denied call must not reach upstream, saw %d calls", upstreamCalls)
	}

	now = now.Add(time.Minute)
	if out := p.Handle(context.Background(), in); !out.Forwarded {
		t.Fatalf("new window should admit again: %+v", out)
	}
}

func TestHandleAbsolutePathRejectedBeforeUpstream(t *testing.T) {
	upstreamCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
	}))
	defer srv.Close()
	p := newPipeline(t, pipelineConfig(t, srv.URL), ratelimit.NewInMemory(time.Minute))
	p.Forwarder.Client = srv.Client()

	out := p.Handle(context.Background(), Inbound{
		ServiceName: "openai",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "http://evil.test/x"},
	})
	if out.Status != 400 || !strings.Contains(out.Error, "must be a relative path") {
		t.Fatalf("expected relative-path rejection: %+v", out)
	}
	if upstreamCalls != 0 {
		t.Fatal("no upstream call may be attempted for a rejected path")
	}
}

func TestHandleAgentScopeDenial(t *testing.T) {
	p := newPipeline(t, pipelineConfig(t, "http://127.0.0.1:1"), ratelimit.NewInMemory(time.Minute))
	out := p.Handle(context.Background(), Inbound{
		ServiceName: "stripe",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "/v1/charges"},
	})
	if out.Status != 403 {
		t.Fatalf("expected 403: %+v", out)
	}
	if !strings.Contains(out.Error, "a1") || !strings.Contains(out.Error, "stripe") {
		t.Fatalf("message must name agent and service: %q", out.Error)
	}
}

func TestHandleServiceIPAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	p := newPipeline(t, pipelineConfig(t, srv.URL), ratelimit.NewInMemory(time.Minute))
	p.Forwarder.Client = srv.Client()

	in := Inbound{
		ServiceName: "guarded",
		Token:       "agt_alpha",
		ClientIP:    "10.0.1.5",
		Request:     Request{Method: "POST", Path: "/x"},
	}
	if out := p.Handle(context.Background(), in); out.Status != 403 {
		t.Fatalf("10.0.1.5 must be rejected: %+v", out)
	}
	in.ClientIP = "10.0.0.9"
	if out := p.Handle(context.Background(), in); !out.Forwarded {
		t.Fatalf("10.0.0.9 must pass: %+v", out)
	}
}

func TestHandleAuthFailures(t *testing.T) {
	p := newPipeline(t, pipelineConfig(t, "http://127.0.0.1:1"), ratelimit.NewInMemory(time.Minute))

	out := p.Handle(context.Background(), Inbound{ServiceName: "openai", Request: Request{Method: "POST", Path: "/x"}})
	if out.Status != 401 || out.Reason != "AUTH_MISSING_TOKEN" {
		t.Fatalf("missing token: %+v", out)
	}
	out = p.Handle(context.Background(), Inbound{ServiceName: "openai", Token: "agt_nope", Request: Request{Method: "POST", Path: "/x"}})
	if out.Status != 401 || out.Reason != "AUTH_INVALID_TOKEN" {
		t.Fatalf("invalid token: %+v", out)
	}
}

func TestHandleMissingSecretIs500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	p := newPipeline(t, pipelineConfig(t, srv.URL), ratelimit.NewInMemory(time.Minute))
	p.Secrets = mapSecrets{} // nothing resolvable

	out := p.Handle(context.Background(), Inbound{
		ServiceName: "openai",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "/x"},
	})
	if out.Status != 500 || out.Reason != "SECRET_MISSING" {
		t.Fatalf("expected 500 SECRET_MISSING: %+v", out)
	}
	if !strings.Contains(out.Error, "OPENAI_API_KEY") {
		t.Fatalf("message must name the variable: %q", out.Error)
	}
}

func TestHandleChargesServiceWindowBeforeAgentWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	cfg := pipelineConfig(t, srv.URL)
	rec := &recordingLimiter{deny: map[string]bool{}}
	p := newPipeline(t, cfg, rec)
	p.Forwarder.Client = srv.Client()

	in := Inbound{
		ServiceName: "openai",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "/x"},
	}
	if out := p.Handle(context.Background(), in); !out.Forwarded {
		t.Fatalf("expected forward: %+v", out)
	}
	if len(rec.calls) != 2 || rec.calls[0] != "openai" || rec.calls[1] != "agent:a1" {
		t.Fatalf("service window must be charged first: %v", rec.calls)
	}

	rec.calls = nil
	rec.deny["openai"] = true
	if out := p.Handle(context.Background(), in); out.Status != 429 {
		t.Fatalf("expected 429: %+v", out)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("a service-denied request must not touch the agent counter: %v", rec.calls)
	}

	rec.calls = nil
	rec.deny = map[string]bool{"agent:a1": true}
	out := p.Handle(context.Background(), in)
	if out.Status != 429 || !strings.Contains(out.Error, "a1") {
		t.Fatalf("agent window denial: %+v", out)
	}
}

func TestHandleEmitsDecisions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	p := newPipeline(t, pipelineConfig(t, srv.URL), ratelimit.NewInMemory(time.Minute))
	p.Forwarder.Client = srv.Client()
	var decisions []Decision
	p.Observe = func(d Decision) { decisions = append(decisions, d) }

	p.Handle(context.Background(), Inbound{
		ServiceName: "openai",
		Token:       "agt_alpha",
		ClientIP:    "1.2.3.4",
		Request:     Request{Method: "POST", Path: "/x", Body: json.RawMessage(`{"a":1}`)},
	})
	p.Handle(context.Background(), Inbound{ServiceName: "openai", Request: Request{Method: "POST", Path: "/x"}})

	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if decisions[0].Identity != "a1" || !decisions[0].Outcome.Forwarded {
		t.Fatalf("unexpected first decision: %+v", decisions[0])
	}
	if decisions[1].Identity != "unknown" || decisions[1].Outcome.Status != 401 {
		t.Fatalf("unexpected second decision: %+v", decisions[1])
	}
}
