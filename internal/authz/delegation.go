package authz

import (
	"context"
	"fmt"
)

// Guard gates impersonation. Every service-principal-to-user association must
// pass through here before any session or token exists for the impersonated
// identity; the guard fails closed on every ambiguity.
type Guard struct {
	checker  Checker
	maxDepth int
}

// NewGuard returns a delegation guard. maxDepth caps the number of
// impersonation links in a chain.
func NewGuard(checker Checker, maxDepth int) *Guard {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Guard{checker: checker, maxDepth: maxDepth}
}

// AuthorizeImpersonation reports whether principal may act as targetUser.
// Self-impersonation is rejected without consulting the engine.
func (g *Guard) AuthorizeImpersonation(ctx context.Context, principal, targetUser string) (bool, error) {
	if principal == "" || targetUser == "" {
		return false, fmt.Errorf("delegation: principal and target must be non-empty")
	}
	if principal == targetUser {
		return false, nil
	}
	dec, err := g.checker.Check(ctx, principal, RelationCanImpersonate, targetUser)
	if err != nil {
		return false, err
	}
	return dec.Allowed, nil
}

// AuthorizeChain validates a whole delegation chain, ordered from the real
// principal to the final impersonated identity. Cycles and chains longer than
// the configured depth are rejected before any link is checked, so an invalid
// shape never reaches the engine.
func (g *Guard) AuthorizeChain(ctx context.Context, chain []string) (bool, error) {
	if len(chain) < 2 {
		return false, fmt.Errorf("delegation: chain needs a principal and a target")
	}
	if len(chain)-1 > g.maxDepth {
		return false, nil
	}
	seen := make(map[string]bool, len(chain))
	for _, id := range chain {
		if id == "" {
			return false, fmt.Errorf("delegation: chain contains an empty identity")
		}
		if seen[id] {
			return false, nil
		}
		seen[id] = true
	}
	for i := 0; i+1 < len(chain); i++ {
		ok, err := g.AuthorizeImpersonation(ctx, chain[i], chain[i+1])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
