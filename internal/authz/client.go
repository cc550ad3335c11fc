package authz

import (
	"context"
	"errors"
	"log"
	"time"
)

// Checker is the relationship-check surface the rest of the service depends
// on. Test doubles implement this instead of stubbing the engine transport.
type Checker interface {
	Check(ctx context.Context, subject, relation, object string) (Decision, error)
}

// Decision is the outcome of one relationship check, with enough provenance
// for the caller to audit it.
type Decision struct {
	Allowed bool
	// Cached is set when the answer came from the decision cache.
	Cached bool
	// Degraded is set when the engine was unreachable and the configured fail
	// mode supplied the answer. Degraded decisions are never cached.
	Degraded bool
}

// DegradedFunc observes a check answered by the fail mode rather than the
// engine. cause is the engine error.
type DegradedFunc func(subject, relation, object string, allowed bool, cause error)

// ClientOptions configures a Client.
type ClientOptions struct {
	// CacheSize and CacheTTL bound the decision cache. TTL must stay shorter
	// than the relationship-change propagation delay the deployment tolerates.
	CacheSize int
	CacheTTL  time.Duration
	// EngineTimeout bounds each engine call independently of the request
	// deadline.
	EngineTimeout time.Duration
	// FailOpen permits availability-over-security fallback, but only for the
	// relations listed in FailOpenRelations. Default is fail closed.
	FailOpen          bool
	FailOpenRelations []string
	// OnDegraded, when set, is invoked for every fail-mode decision.
	OnDegraded DegradedFunc
}

// Client fronts an Engine with a decision cache and the fail-mode policy.
// Engine errors never propagate to callers as grants: a check either returns
// a real decision, a cached real decision, or the configured fallback.
type Client struct {
	engine        Engine
	cache         *decisionCache
	engineTimeout time.Duration
	failOpen      bool
	failOpenRels  map[string]bool
	onDegraded    DegradedFunc
}

// NewClient wraps engine with caching and fail-mode handling.
func NewClient(engine Engine, opts ClientOptions) *Client {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8192
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 500 * time.Millisecond
	}
	rels := make(map[string]bool, len(opts.FailOpenRelations))
	for _, r := range opts.FailOpenRelations {
		rels[r] = true
	}
	return &Client{
		engine:        engine,
		cache:         newDecisionCache(opts.CacheSize, opts.CacheTTL),
		engineTimeout: opts.EngineTimeout,
		failOpen:      opts.FailOpen,
		failOpenRels:  rels,
		onDegraded:    opts.OnDegraded,
	}
}

// Check reports whether subject holds relation on object. A Degraded decision
// means the engine could not answer and the fail mode did; the error return is
// reserved for malformed queries.
func (c *Client) Check(ctx context.Context, subject, relation, object string) (Decision, error) {
	if subject == "" || relation == "" || object == "" {
		return Decision{}, errors.New("authz: subject, relation, and object must be non-empty")
	}

	if allowed, ok := c.cache.get(subject, relation, object); ok {
		return Decision{Allowed: allowed, Cached: true}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.engineTimeout)
	allowed, err := c.engine.Check(callCtx, subject, relation, object)
	cancel()
	if err != nil {
		return c.degrade(subject, relation, object, err), nil
	}

	c.cache.put(subject, relation, object, allowed)
	return Decision{Allowed: allowed}, nil
}

func (c *Client) degrade(subject, relation, object string, cause error) Decision {
	allowed := false
	if c.failOpen && c.failOpenRels[relation] {
		allowed = true
		log.Printf("authz: engine unavailable, failing open for relation %q: %v", relation, cause)
	} else {
		log.Printf("authz: engine unavailable, failing closed: %v", cause)
	}
	if c.onDegraded != nil {
		c.onDegraded(subject, relation, object, allowed, cause)
	}
	return Decision{Allowed: allowed, Degraded: true}
}
