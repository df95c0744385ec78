package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/jelilat/sentinel/pkg/config"
)

var (
	ErrMissingToken = errors.New("missing agent token")
	ErrInvalidToken = errors.New("invalid agent token")
)

// AnonymousName is the implicit identity in single-shared-token mode.
const AnonymousName = "anonymous"

// Identity is a resolved caller. Agent is nil in single-token mode.
type Identity struct {
	Name  string
	Agent *config.Agent
}

// Anonymous reports whether the identity is the single-token-mode caller.
func (id Identity) Anonymous() bool {
	return id.Agent == nil
}

// Resolver maps presented tokens to agent identities. When the config has
// no agent table it falls back to a single process-wide expected token.
type Resolver struct {
	cfg         *config.Config
	legacyToken string
}

// NewResolver builds a resolver over the loaded configuration. legacyToken
// is only consulted in single-token mode, where it is required.
func NewResolver(cfg *config.Config, legacyToken string) (*Resolver, error) {
	legacyToken = strings.TrimSpace(legacyToken)
	if cfg.SingleTokenMode() && legacyToken == "" {
		return nil, fmt.Errorf("no agents configured and no gateway token set")
	}
	return &Resolver{cfg: cfg, legacyToken: legacyToken}, nil
}

// Resolve maps a presented token to an identity. Token comparison in
// single-token mode is constant time.
func (r *Resolver) Resolve(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if r.cfg.SingleTokenMode() {
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.legacyToken)) != 1 {
			return Identity{}, ErrInvalidToken
		}
		return Identity{Name: AnonymousName}, nil
	}
	agent, ok := r.cfg.AgentByToken(token)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Name: agent.Name, Agent: agent}, nil
}
