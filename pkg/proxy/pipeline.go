package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jelilat/sentinel/pkg/config"
	"github.com/jelilat/sentinel/pkg/identity"
	"github.com/jelilat/sentinel/pkg/policy"
	"github.com/jelilat/sentinel/pkg/ratelimit"
	"github.com/jelilat/sentinel/pkg/secret"
)

// Inbound is one proxy call as received by the gateway handler.
type Inbound struct {
	ServiceName string
	Token       string
	ClientIP    string
	Origin      string
	Referer     string
	Request     Request
}

// Decision describes the admitted-or-denied result for observers (audit
// log, event stream, metrics). It never carries secrets or header values.
type Decision struct {
	Identity string
	Service  string
	Method   string
	Path     string
	ClientIP string
	Outcome  Outcome
}

// Pipeline sequences identity resolution, policy enforcement, rate
// limiting, secret injection and forwarding for each inbound call. All its
// fields are read-only after construction; the only shared mutable state
// lives inside the limiter.
type Pipeline struct {
	Config    *config.Config
	Resolver  *identity.Resolver
	Enforcer  *policy.Enforcer
	Limiter   ratelimit.Limiter
	Secrets   secret.Source
	Forwarder *Forwarder

	// Observe, when set, receives one Decision per handled request.
	Observe func(Decision)
}

// Handle runs the full admission sequence. Check order is fixed: later
// checks assume earlier ones passed, and rate limiting never runs before
// authorization so unauthorized callers cannot drain another service's
// budget.
func (p *Pipeline) Handle(ctx context.Context, in Inbound) Outcome {
	id, err := p.Resolver.Resolve(in.Token)
	if err != nil {
		reason := "AUTH_INVALID_TOKEN"
		if errors.Is(err, identity.ErrMissingToken) {
			reason = "AUTH_MISSING_TOKEN"
		}
		return p.finish(in, id, terminal(401, reason, err.Error()))
	}

	svc, denial := p.Enforcer.Evaluate(policy.Request{
		ServiceName: in.ServiceName,
		Identity:    id,
		ClientIP:    in.ClientIP,
		Origin:      in.Origin,
		Referer:     in.Referer,
	})
	if denial != nil {
		return p.finish(in, id, terminal(denial.Status, denial.Reason, denial.Message))
	}

	method, denial := policy.ValidateShape(svc, in.Request.Method, in.Request.Path)
	if denial != nil {
		return p.finish(in, id, terminal(denial.Status, denial.Reason, denial.Message))
	}

	// Service window first; a request denied here must not charge the
	// agent's counter.
	if d := p.Limiter.Allow(svc.Name, svc.RateLimitPerMinute); !d.Allowed {
		return p.finish(in, id, terminal(429, "RATE_LIMITED",
			fmt.Sprintf("rate limit exceeded for service %q: %d requests per minute", svc.Name, d.Limit)))
	}
	if agent := id.Agent; agent != nil {
		if d := p.Limiter.Allow("agent:"+agent.Name, agent.RateLimitPerMinute); !d.Allowed {
			return p.finish(in, id, terminal(429, "RATE_LIMITED",
				fmt.Sprintf("rate limit exceeded for agent %q: %d requests per minute", agent.Name, d.Limit)))
		}
	}

	rendered, err := secret.Render(svc, p.Secrets)
	if err != nil {
		// Server-side misconfiguration; the message names the variable,
		// never its contents.
		return p.finish(in, id, terminal(500, "SECRET_MISSING", err.Error()))
	}

	outcome := p.Forwarder.Forward(ctx, svc, id.Name, method, in.Request, rendered)
	return p.finish(in, id, outcome)
}

func (p *Pipeline) finish(in Inbound, id identity.Identity, outcome Outcome) Outcome {
	if p.Observe != nil {
		name := id.Name
		if name == "" {
			name = "unknown"
		}
		p.Observe(Decision{
			Identity: name,
			Service:  in.ServiceName,
			Method:   in.Request.Method,
			Path:     in.Request.Path,
			ClientIP: in.ClientIP,
			Outcome:  outcome,
		})
	}
	return outcome
}
