package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validDoc = `
services:
  openai:
    base_url: https://api.openai.com
    allowed_hosts: [api.openai.com]
    auth:
      type: header
      name: Authorization
      template: "Bearer ${SECRET}"
    secret_env: OPENAI_API_KEY
    allowed_methods: [post, GET]
    allowed_paths: [/v1/]
    rate_limit_per_minute: 60
    timeout_ms: 5000
  maps:
    base_url: https://maps.example.com
    allowed_hosts: [maps.example.com]
    auth:
      type: query
      name: key
      template: "${SECRET}"
    secret_env: MAPS_API_KEY
global:
  allowed_origins: ["https://app.example.com"]
agents:
  a1:
    token: agt_alpha
    allowed_services: [openai]
    rate_limit_per_minute: 10
    allowed_ips: ["10.0.0.0/24"]
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	svc, ok := cfg.Service("openai")
	if !ok {
		t.Fatal("service openai missing")
	}
	if svc.Name != "openai" {
		t.Fatalf("service name not backfilled: %q", svc.Name)
	}
	if svc.Timeout() != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", svc.Timeout())
	}
	if got := svc.AllowedMethods[0]; got != "POST" {
		t.Fatalf("methods must be upper-cased at load, got %q", got)
	}
	maps, _ := cfg.Service("maps")
	if maps.Timeout() != 30*time.Second {
		t.Fatalf("default timeout should be 30s, got %v", maps.Timeout())
	}
	agent, ok := cfg.AgentByToken("agt_alpha")
	if !ok || agent.Name != "a1" {
		t.Fatalf("token lookup failed: %+v", agent)
	}
	if cfg.SingleTokenMode() {
		t.Fatal("agent table present, not single-token mode")
	}
	if !agent.AllowsService("openai") || agent.AllowsService("maps") {
		t.Fatal("unexpected agent scope")
	}
	names := cfg.ServiceNames()
	if len(names) != 2 || names[0] != "maps" || names[1] != "openai" {
		t.Fatalf("unexpected service names: %v", names)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"no services", func(string) string { return "agents: {}" }, "at least one service"},
		{"http base url", func(doc string) string {
			return strings.Replace(doc, "https://api.openai.com", "http://api.openai.com", 1)
		}, "must use https"},
		{"host not allowed", func(doc string) string {
			return strings.Replace(doc, "allowed_hosts: [api.openai.com]", "allowed_hosts: [other.example.com]", 1)
		}, "not in allowed_hosts"},
		{"bad auth type", func(doc string) string {
			return strings.Replace(doc, "type: header", "type: bearer", 1)
		}, "auth.type"},
		{"template missing placeholder", func(doc string) string {
			return strings.Replace(doc, "Bearer ${SECRET}", "Bearer token", 1)
		}, "${SECRET}"},
		{"missing secret env", func(doc string) string {
			return strings.Replace(doc, "secret_env: OPENAI_API_KEY", "secret_env: \"\"", 1)
		}, "secret_env required"},
		{"token prefix", func(doc string) string {
			return strings.Replace(doc, "token: agt_alpha", "token: key_alpha", 1)
		}, "must start with"},
		{"empty agent scope", func(doc string) string {
			return strings.Replace(doc, "allowed_services: [openai]", "allowed_services: []", 1)
		}, "allowed_services must not be empty"},
		{"unknown service in scope", func(doc string) string {
			return strings.Replace(doc, "allowed_services: [openai]", "allowed_services: [stripe]", 1)
		}, "unknown service"},
		{"relative allowed path", func(doc string) string {
			return strings.Replace(doc, "allowed_paths: [/v1/]", "allowed_paths: [v1]", 1)
		}, "must start with /"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate(validDoc)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDuplicateTokens(t *testing.T) {
	doc := validDoc + `
  a2:
    token: agt_alpha
    allowed_services: [maps]
`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected duplicate token error, got %v", err)
	}
}

func TestParseLoopbackHTTPAllowed(t *testing.T) {
	doc := strings.Replace(validDoc, "https://api.openai.com", "http://127.0.0.1:9999", 1)
	doc = strings.Replace(doc, "allowed_hosts: [api.openai.com]", "allowed_hosts: [127.0.0.1]", 1)
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("loopback http upstream should be accepted: %v", err)
	}
}

func TestSingleTokenMode(t *testing.T) {
	doc := `
services:
  maps:
    base_url: https://maps.example.com
    allowed_hosts: [maps.example.com]
    auth:
      type: query
      name: key
      template: "${SECRET}"
    secret_env: MAPS_API_KEY
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.SingleTokenMode() {
		t.Fatal("expected single-token mode without agents")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(validDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := cfg.Service("openai"); !ok {
		t.Fatal("service missing after Load")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
