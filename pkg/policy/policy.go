// Package policy composes the ordered admission checks: service existence,
// agent scope, IP allowlists, Origin allowlists and request shape. Checks
// run in a fixed order and the first failure terminates evaluation.
package policy

import (
	"fmt"
	"net"
	"strings"

	"github.com/jelilat/sentinel/pkg/config"
	"github.com/jelilat/sentinel/pkg/identity"
	"github.com/jelilat/sentinel/pkg/ipmatch"
)

// Denial is a terminal decision made before any upstream call.
type Denial struct {
	Status  int
	Reason  string
	Message string
}

func (d *Denial) Error() string { return d.Message }

func deny(status int, reason, format string, args ...interface{}) *Denial {
	return &Denial{Status: status, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Request carries the caller attributes the enforcer evaluates.
type Request struct {
	ServiceName string
	Identity    identity.Identity
	ClientIP    string
	Origin      string // Origin header
	Referer     string // fallback when Origin is absent
}

type Enforcer struct {
	Config *config.Config
}

// Evaluate runs the ordered policy checks and returns the target service
// definition, or the first denial. Later checks assume earlier ones passed.
func (e *Enforcer) Evaluate(req Request) (*config.Service, *Denial) {
	svc, ok := e.Config.Service(req.ServiceName)
	if !ok {
		return nil, deny(404, "UNKNOWN_SERVICE",
			"unknown service %q, known services: %s", req.ServiceName, strings.Join(e.Config.ServiceNames(), ", "))
	}
	if agent := req.Identity.Agent; agent != nil && !agent.AllowsService(svc.Name) {
		return nil, deny(403, "SERVICE_FORBIDDEN",
			"agent %q is not allowed to access service %q", agent.Name, svc.Name)
	}
	if d := e.checkIPAllowlists(svc, req); d != nil {
		return nil, d
	}
	if d := e.checkOriginAllowlist(svc, req); d != nil {
		return nil, d
	}
	return svc, nil
}

// checkIPAllowlists applies the effective service/global list, then the
// agent's own list. The service list overrides (never merges with) the
// global one; the agent list is additive because it bounds the caller,
// not the destination.
func (e *Enforcer) checkIPAllowlists(svc *config.Service, req Request) *Denial {
	effective := svc.AllowedIPs
	if len(effective) == 0 {
		effective = e.Config.Global.AllowedIPs
	}
	agentList := []string(nil)
	if req.Identity.Agent != nil {
		agentList = req.Identity.Agent.AllowedIPs
	}
	if len(effective) == 0 && len(agentList) == 0 {
		return nil
	}
	if net.ParseIP(strings.TrimSpace(req.ClientIP)) == nil {
		return deny(403, "IP_FORBIDDEN", "client address %q is not a valid IP", req.ClientIP)
	}
	if len(effective) > 0 && !ipmatch.MatchesAny(req.ClientIP, effective) {
		return deny(403, "IP_FORBIDDEN", "client address %s is not allowed for service %q", req.ClientIP, svc.Name)
	}
	if len(agentList) > 0 && !ipmatch.MatchesAny(req.ClientIP, agentList) {
		return deny(403, "AGENT_IP_FORBIDDEN", "client address %s is not allowed for agent %q", req.ClientIP, req.Identity.Name)
	}
	return nil
}

func (e *Enforcer) checkOriginAllowlist(svc *config.Service, req Request) *Denial {
	effective := svc.AllowedOrigins
	if len(effective) == 0 {
		effective = e.Config.Global.AllowedOrigins
	}
	if len(effective) == 0 {
		return nil
	}
	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = strings.TrimSpace(req.Referer)
	}
	if origin == "" {
		return deny(403, "ORIGIN_FORBIDDEN", "origin required for service %q", svc.Name)
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range effective {
		if origin == strings.TrimRight(strings.TrimSpace(allowed), "/") {
			return nil
		}
	}
	return deny(403, "ORIGIN_FORBIDDEN", "origin %q is not allowed for service %q", origin, svc.Name)
}
