// Package authz issues relationship checks ("can subject S perform relation R
// on object O?") against a relationship engine, with a bounded decision cache
// and a configurable fail mode for engine outages.
package authz

import "context"

// Engine answers a single relationship-check query. Implementations are the
// embedded evaluator (single node, dev) and the remote engine client.
type Engine interface {
	// Check reports whether subject holds relation on object. An error means
	// the engine could not answer, not that the answer is "no".
	Check(ctx context.Context, subject, relation, object string) (bool, error)
}

// RelationCanImpersonate is the relation the delegation guard queries before
// any session is minted for an impersonated identity.
const RelationCanImpersonate = "can_impersonate"
