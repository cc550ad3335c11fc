package authz

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// decisionCache holds real engine decisions for a bounded TTL. Fallback
// decisions produced by the fail mode are never written here; caching an
// outage as a grant would outlive the outage.
type decisionCache struct {
	lru *expirable.LRU[string, bool]
}

func newDecisionCache(size int, ttl time.Duration) *decisionCache {
	return &decisionCache{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (c *decisionCache) get(subject, relation, object string) (bool, bool) {
	return c.lru.Get(cacheKey(subject, relation, object))
}

func (c *decisionCache) put(subject, relation, object string, allowed bool) {
	c.lru.Add(cacheKey(subject, relation, object), allowed)
}

// cacheKey joins the triple with a separator that cannot appear in well-formed
// subject/relation/object identifiers.
func cacheKey(subject, relation, object string) string {
	return subject + "\x1f" + relation + "\x1f" + object
}
