// Package credential verifies presented credentials (bearer tokens and API
// keys) and resolves them to an authenticated principal. It never issues
// credentials and keeps failure detail out of its errors.
package credential

import (
	"context"
	"fmt"
	"time"

	apikeystore "agent-gateway/backend/internal/apikey/store"
	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/security"
)

// Principal is the authenticated identity a verified credential resolves to.
type Principal struct {
	// Subject identifies the principal (user or service account).
	Subject  string
	Username string
	// Roles comes from bearer claims; Scopes from API key records. Exactly one
	// is populated depending on the credential kind.
	Roles  []string
	Scopes []string
	// ActorChain is the delegation path from the token's nested act claims,
	// outermost actor first. Empty for non-delegated credentials.
	ActorChain []string
	// APIKeyID is set when the principal authenticated with an API key.
	APIKeyID string
}

// Verifier resolves bearer tokens and API key secrets to principals. All
// rejection paths collapse into autherr.ErrUnauthenticated so a caller cannot
// probe which check failed or whether an identity exists.
type Verifier struct {
	tokens *security.TokenVerifier
	keys   apikeystore.Store
	hasher *security.APIKeyHasher
	nowF   func() time.Time
}

// NewVerifier returns a Verifier over the given token verifier and key store.
func NewVerifier(tokens *security.TokenVerifier, keys apikeystore.Store, hasher *security.APIKeyHasher) *Verifier {
	return &Verifier{tokens: tokens, keys: keys, hasher: hasher, nowF: func() time.Time { return time.Now().UTC() }}
}

// VerifyBearer validates a bearer access token and returns its principal.
func (v *Verifier) VerifyBearer(ctx context.Context, token string) (*Principal, error) {
	claims, err := v.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("bearer: %w", autherr.ErrUnauthenticated)
	}
	return &Principal{
		Subject:    claims.Subject,
		Username:   claims.Username,
		Roles:      append([]string(nil), claims.Roles...),
		ActorChain: claims.ActorChain(),
	}, nil
}

// VerifyAPIKey validates a presented API key secret. The prefix narrows the
// candidate set before the expensive hash comparison; revoked and expired
// keys fail the same way as unknown ones. The last-used timestamp is recorded
// off the request path and never blocks the verdict.
func (v *Verifier) VerifyAPIKey(ctx context.Context, presented string) (*Principal, error) {
	prefix, err := security.APIKeyPrefix(presented)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", autherr.ErrUnauthenticated)
	}
	candidates, err := v.keys.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}

	now := v.nowF()
	for _, k := range candidates {
		if v.hasher.Compare(k.SecretHash, presented) != nil {
			continue
		}
		if !k.Usable(now) {
			return nil, fmt.Errorf("api key: %w", autherr.ErrUnauthenticated)
		}
		go v.keys.MarkUsed(context.WithoutCancel(ctx), k.ID, now)
		return &Principal{
			Subject:  k.OwnerID,
			Scopes:   append([]string(nil), k.Scopes...),
			APIKeyID: k.ID,
		}, nil
	}
	return nil, fmt.Errorf("api key: %w", autherr.ErrUnauthenticated)
}
