package security

import (
	"context"
	"crypto"
	"log"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWKSSource fetches the issuer's published key set and refreshes it on an
// interval. Verification keeps using the last good set if a refresh fails,
// so a flapping issuer endpoint does not take down authentication.
type JWKSSource struct {
	url      string
	interval time.Duration

	mu    sync.RWMutex
	byKid map[string]crypto.PublicKey
	all   []crypto.PublicKey
}

// NewJWKSSource fetches the key set from url once, synchronously, and returns
// an error if the initial fetch yields no usable keys. Call Start to begin
// background refresh.
func NewJWKSSource(ctx context.Context, url string, interval time.Duration) (*JWKSSource, error) {
	s := &JWKSSource{url: url, interval: interval, byKid: map[string]crypto.PublicKey{}}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the background refresh loop. It stops when ctx is cancelled.
func (s *JWKSSource) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.refresh(ctx); err != nil {
					log.Printf("jwks: refresh of %s failed, keeping previous key set: %v", s.url, err)
				}
			}
		}
	}()
}

// Keys returns the key for kid, or all keys when kid is empty or unknown
// (issuer rotations may briefly publish keys without matching kids).
func (s *JWKSSource) Keys(kid string) []crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kid != "" {
		if k, ok := s.byKid[kid]; ok {
			return []crypto.PublicKey{k}
		}
	}
	out := make([]crypto.PublicKey, len(s.all))
	copy(out, s.all)
	return out
}

func (s *JWKSSource) refresh(ctx context.Context) error {
	set, err := jwk.Fetch(ctx, s.url)
	if err != nil {
		return err
	}
	byKid := make(map[string]crypto.PublicKey)
	var all []crypto.PublicKey
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			continue
		}
		pub, ok := raw.(crypto.PublicKey)
		if !ok {
			continue
		}
		if KeyAlg(pub) == "" {
			continue // only RSA and ECDSA are accepted for bearer verification
		}
		all = append(all, pub)
		if kid, ok := key.KeyID(); ok && kid != "" {
			byKid[kid] = pub
		}
	}
	if len(all) == 0 {
		return ErrInvalidKey
	}
	s.mu.Lock()
	s.byKid = byKid
	s.all = all
	s.mu.Unlock()
	return nil
}
