package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenPrefix is the fixed lexical prefix every agent token must carry.
const TokenPrefix = "agt_"

// SecretPlaceholder is the substring in an auth template that is replaced
// with the resolved credential.
const SecretPlaceholder = "${SECRET}"

const DefaultTimeoutMS = 30000

// AuthInjection describes how the real credential is rendered into the
// outgoing request. Type is validated at load time so the forwarding path
// can switch on it without re-checking field presence.
type AuthInjection struct {
	Type     string `yaml:"type"` // "header" or "query"
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
}

type Service struct {
	Name               string   `yaml:"-"`
	BaseURL            string   `yaml:"base_url"`
	AllowedHosts       []string `yaml:"allowed_hosts"`
	Auth               AuthInjection `yaml:"auth"`
	SecretEnv          string   `yaml:"secret_env"`
	AllowedMethods     []string `yaml:"allowed_methods"`
	AllowedPaths       []string `yaml:"allowed_paths"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	AllowedIPs         []string `yaml:"allowed_ips"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	TimeoutMS          int      `yaml:"timeout_ms"`
}

// Timeout returns the upstream deadline, defaulting to 30s.
func (s *Service) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return time.Millisecond * DefaultTimeoutMS
	}
	return time.Millisecond * time.Duration(s.TimeoutMS)
}

type Agent struct {
	Name               string   `yaml:"-"`
	Token              string   `yaml:"token"`
	AllowedServices    []string `yaml:"allowed_services"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	AllowedIPs         []string `yaml:"allowed_ips"`
}

// AllowsService reports whether the agent may reach the named service.
func (a *Agent) AllowsService(service string) bool {
	for _, s := range a.AllowedServices {
		if s == service {
			return true
		}
	}
	return false
}

// Global holds process-wide allowlists that apply when a service does not
// carry its own. A service-level list overrides (never merges with) these.
type Global struct {
	AllowedIPs     []string `yaml:"allowed_ips"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the service/agent table, loaded once at startup and read-only
// for the life of the pipeline.
type Config struct {
	Services map[string]*Service `yaml:"services"`
	Agents   map[string]*Agent   `yaml:"agents"`
	Global   Global              `yaml:"global"`

	byToken map[string]*Agent
}

// Load reads and validates the gateway configuration file. Any validation
// failure is fatal to startup: the gateway refuses to serve a broken or
// partially loaded policy set.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a raw configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for name, svc := range cfg.Services {
		if svc == nil {
			return nil, fmt.Errorf("service %q: empty definition", name)
		}
		svc.Name = name
	}
	for name, agent := range cfg.Agents {
		if agent == nil {
			return nil, fmt.Errorf("agent %q: empty definition", name)
		}
		agent.Name = name
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.byToken = make(map[string]*Agent, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		cfg.byToken[agent.Token] = agent
	}
	return &cfg, nil
}

// Service looks up a service definition by name.
func (c *Config) Service(name string) (*Service, bool) {
	svc, ok := c.Services[name]
	return svc, ok
}

// AgentByToken looks up an agent identity by its presented token.
func (c *Config) AgentByToken(token string) (*Agent, bool) {
	agent, ok := c.byToken[token]
	return agent, ok
}

// SingleTokenMode reports whether no agent table is configured, in which
// case every request carries an implicit anonymous identity authenticated
// against a single process-wide token.
func (c *Config) SingleTokenMode() bool {
	return len(c.Agents) == 0
}

// ServiceNames returns the configured service names, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("config: at least one service required")
	}
	for name, svc := range c.Services {
		if err := validateService(name, svc); err != nil {
			return err
		}
	}
	seenTokens := map[string]string{}
	for name, agent := range c.Agents {
		if err := c.validateAgent(name, agent); err != nil {
			return err
		}
		if other, dup := seenTokens[agent.Token]; dup {
			return fmt.Errorf("agent %q: token already used by agent %q", name, other)
		}
		seenTokens[agent.Token] = name
	}
	return nil
}

func validateService(name string, svc *Service) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("service name must not be empty")
	}
	base, err := url.Parse(strings.TrimSpace(svc.BaseURL))
	if err != nil || base.Host == "" {
		return fmt.Errorf("service %q: invalid base_url %q", name, svc.BaseURL)
	}
	// Encrypted transport required; plain HTTP is tolerated for loopback
	// upstreams only (local development and tests).
	if base.Scheme != "https" && !isLoopbackHost(base.Hostname()) {
		return fmt.Errorf("service %q: base_url must use https", name)
	}
	if len(svc.AllowedHosts) == 0 {
		return fmt.Errorf("service %q: allowed_hosts required", name)
	}
	if !containsString(svc.AllowedHosts, base.Hostname()) {
		return fmt.Errorf("service %q: base_url host %q not in allowed_hosts", name, base.Hostname())
	}
	switch svc.Auth.Type {
	case "header", "query":
	default:
		return fmt.Errorf("service %q: auth.type must be \"header\" or \"query\", got %q", name, svc.Auth.Type)
	}
	if strings.TrimSpace(svc.Auth.Name) == "" {
		return fmt.Errorf("service %q: auth.name required", name)
	}
	if !strings.Contains(svc.Auth.Template, SecretPlaceholder) {
		return fmt.Errorf("service %q: auth.template must contain %s", name, SecretPlaceholder)
	}
	if strings.TrimSpace(svc.SecretEnv) == "" {
		return fmt.Errorf("service %q: secret_env required", name)
	}
	for i, m := range svc.AllowedMethods {
		svc.AllowedMethods[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	for _, p := range svc.AllowedPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("service %q: allowed path %q must start with /", name, p)
		}
	}
	return nil
}

func (c *Config) validateAgent(name string, agent *Agent) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	if !strings.HasPrefix(agent.Token, TokenPrefix) {
		return fmt.Errorf("agent %q: token must start with %q", name, TokenPrefix)
	}
	if len(agent.Token) <= len(TokenPrefix) {
		return fmt.Errorf("agent %q: token too short", name)
	}
	if len(agent.AllowedServices) == 0 {
		return fmt.Errorf("agent %q: allowed_services must not be empty", name)
	}
	for _, svc := range agent.AllowedServices {
		if _, ok := c.Services[svc]; !ok {
			return fmt.Errorf("agent %q: unknown service %q in allowed_services", name, svc)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasPrefix(host, "127.")
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
