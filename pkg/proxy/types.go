package proxy

import (
	"encoding/json"
	"time"
)

// Request is the caller's description of the upstream call, decoded from
// the inbound JSON body.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Outcome is either a relayed upstream response or a terminal decision
// produced before any upstream call was made.
type Outcome struct {
	Status      int
	Forwarded   bool
	Reason      string // decision reason code, "FORWARDED" on success
	Error       string // client-facing message for terminal decisions
	ContentType string
	Body        []byte
	Latency     time.Duration
}

// Terminal reports whether the outcome was decided before forwarding.
func (o Outcome) Terminal() bool { return !o.Forwarded }
