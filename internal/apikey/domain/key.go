package domain

import "time"

// Key is a stored API key record. The plaintext secret is never persisted;
// Prefix is the short non-secret lookup fragment and SecretHash the bcrypt
// hash of the full secret. Records are retained after revocation for audit.
type Key struct {
	ID         string
	OwnerID    string
	Prefix     string
	SecretHash string
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  *time.Time // nil means no expiry
	RevokedAt  *time.Time // nil when not revoked
	LastUsedAt *time.Time // best-effort, may lag behind actual use
}

// Usable reports whether the key may authenticate at the given time: not
// revoked and not expired.
func (k *Key) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Redacted returns a copy with the secret hash cleared, for listing.
func (k *Key) Redacted() *Key {
	cp := *k
	cp.SecretHash = ""
	cp.Scopes = append([]string(nil), k.Scopes...)
	return &cp
}
