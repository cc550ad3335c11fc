// Package security holds credential primitives: bearer-token verification
// against the issuer's key set, API key secret generation and hashing, and
// PEM/JWKS key loading. It issues no tokens; identity issuance is the OIDC
// provider's job.
package security

import (
	"crypto"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, has a bad
	// signature, is expired, or fails the issuer/audience checks. All bearer
	// failures collapse into this one error; callers must not leak which
	// check failed.
	ErrInvalidToken = errors.New("invalid token")
)

// Actor is the nested RFC 8693 "act" claim carried by delegated tokens.
// Each level names the party acting on behalf of the one above it.
type Actor struct {
	Subject string `json:"sub"`
	Act     *Actor `json:"act,omitempty"`
}

// BearerClaims holds the verified claims of an access token.
type BearerClaims struct {
	jwt.RegisteredClaims
	Username string   `json:"preferred_username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Act      *Actor   `json:"act,omitempty"`
}

// ActorChain returns the delegation chain from the token's nested act claims,
// outermost actor first. Empty when the token carries no delegation.
func (c *BearerClaims) ActorChain() []string {
	var chain []string
	for a := c.Act; a != nil; a = a.Act {
		chain = append(chain, a.Subject)
	}
	return chain
}

// KeySource supplies the issuer's current public keys. Implementations:
// StaticKeySource (pinned PEM) and JWKSSource (fetched key set).
type KeySource interface {
	// Keys returns candidate verification keys for the given kid. An empty
	// kid returns all known keys.
	Keys(kid string) []crypto.PublicKey
}

// StaticKeySource holds pinned public keys parsed from PEM at startup.
type StaticKeySource struct {
	keys []crypto.PublicKey
}

// NewStaticKeySource parses each PEM string (inline or file path) into a
// public key. Returns an error if any key fails to parse or none are given.
func NewStaticKeySource(pems ...string) (*StaticKeySource, error) {
	if len(pems) == 0 {
		return nil, ErrInvalidKey
	}
	keys := make([]crypto.PublicKey, 0, len(pems))
	for _, p := range pems {
		k, err := ParsePublicKey(p)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return &StaticKeySource{keys: keys}, nil
}

// Keys returns all pinned keys; pinned keys carry no kid so every candidate
// is tried.
func (s *StaticKeySource) Keys(string) []crypto.PublicKey {
	return s.keys
}

// TokenVerifier validates bearer access tokens (signature, exp, iss, aud)
// against a key source. RS256 and ES256 only; any other method is rejected.
type TokenVerifier struct {
	source   KeySource
	issuer   string
	audience string
}

// NewTokenVerifier returns a TokenVerifier that accepts tokens signed by a
// key from source with matching issuer and audience claims.
func NewTokenVerifier(source KeySource, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{source: source, issuer: issuer, audience: audience}
}

// Verify parses and validates the token. Every failure is a hard reject
// returning ErrInvalidToken; there are no warning outcomes.
func (v *TokenVerifier) Verify(tokenString string) (*BearerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BearerClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, ErrInvalidToken
		}
		kid, _ := token.Header["kid"].(string)
		candidates := v.source.Keys(kid)
		if len(candidates) == 0 {
			return nil, ErrInvalidToken
		}
		set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(candidates))}
		for _, k := range candidates {
			set.Keys = append(set.Keys, k)
		}
		return set, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return nil, ErrInvalidToken
	}
	audOk := false
	for _, a := range claims.Audience {
		if a == v.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
