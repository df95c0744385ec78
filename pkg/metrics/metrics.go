package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects in-process gateway metrics: per-endpoint request
// stats, admission decision counters and per-service upstream latency.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	decision map[string]int64
	reason   map[string]int64
	upstream map[string]*LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Decisions       map[string]int64        `json:"decisions"`
	Reasons         map[string]int64        `json:"reasons"`
	UpstreamLatency map[string]LatencyStat  `json:"upstream_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		decision: map[string]int64{},
		reason:   map[string]int64{},
		upstream: map[string]*LatencyStat{},
	}
}

// Observe records one handled inbound request.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts admission outcomes ("FORWARDED", "DENIED").
func (r *Registry) IncDecision(decision string) {
	decision = strings.TrimSpace(strings.ToUpper(decision))
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

// IncReason counts terminal decisions by reason code.
func (r *Registry) IncReason(reason string) {
	reason = strings.TrimSpace(strings.ToUpper(reason))
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// ObserveUpstream records upstream call latency for one service.
func (r *Registry) ObserveUpstream(service string, d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.upstream[service]
	if !ok {
		stat = &LatencyStat{}
		r.upstream[service] = stat
	}
	stat.Count++
	stat.TotalMS += ms
	stat.LastMS = ms
	if ms > stat.MaxMS {
		stat.MaxMS = ms
	}
	stat.AvgMS = float64(stat.TotalMS) / float64(stat.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:       make(map[string]int64, len(r.decision)),
		Reasons:         make(map[string]int64, len(r.reason)),
		UpstreamLatency: make(map[string]LatencyStat, len(r.upstream)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.upstream {
		out.UpstreamLatency[k] = *v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP sentinel_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE sentinel_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sentinel_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP sentinel_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE sentinel_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sentinel_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP sentinel_decision_total admission outcomes\n")
		b.WriteString("# TYPE sentinel_decision_total counter\n")
		for _, d := range sortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "sentinel_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP sentinel_reason_total terminal decisions by reason code\n")
		b.WriteString("# TYPE sentinel_reason_total counter\n")
		for _, reason := range sortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "sentinel_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP sentinel_upstream_latency_ms upstream latency by service\n")
		b.WriteString("# TYPE sentinel_upstream_latency_ms gauge\n")
		for _, svc := range sortedKeys(snap.UpstreamLatency) {
			stat := snap.UpstreamLatency[svc]
			fmt.Fprintf(b, "sentinel_upstream_latency_ms{service=%q,stat=\"avg\"} %.3f\n", svc, stat.AvgMS)
			fmt.Fprintf(b, "sentinel_upstream_latency_ms{service=%q,stat=\"max\"} %d\n", svc, stat.MaxMS)
			fmt.Fprintf(b, "sentinel_upstream_latency_ms{service=%q,stat=\"last\"} %d\n", svc, stat.LastMS)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
