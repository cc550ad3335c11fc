package security

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyScheme is the fixed leading tag of every API key secret.
	APIKeyScheme = "ak"
	// APIKeyPrefixLen is the length of the non-secret lookup fragment.
	APIKeyPrefixLen = 8
	apiKeyRandomLen = 32
	apiKeyAlphabet  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrMalformedAPIKey is returned when a presented secret does not have the
// ak_<prefix>_<random> shape.
var ErrMalformedAPIKey = errors.New("malformed api key")

// GenerateAPIKeySecret returns a new plaintext secret and its lookup prefix.
// The secret has the form ak_<prefix>_<random>; only the prefix may ever be
// stored in the clear.
func GenerateAPIKeySecret() (secret, prefix string, err error) {
	prefix, err = randomString(APIKeyPrefixLen)
	if err != nil {
		return "", "", err
	}
	random, err := randomString(apiKeyRandomLen)
	if err != nil {
		return "", "", err
	}
	return APIKeyScheme + "_" + prefix + "_" + random, prefix, nil
}

// APIKeyPrefix extracts the lookup prefix from a presented secret. The prefix
// is not secret; it exists so lookup narrows to a small candidate set instead
// of scanning every stored key.
func APIKeyPrefix(presented string) (string, error) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != APIKeyScheme || len(parts[1]) != APIKeyPrefixLen || parts[2] == "" {
		return "", ErrMalformedAPIKey
	}
	return parts[1], nil
}

// APIKeyHasher hashes and verifies API key secrets using bcrypt. The
// plaintext secret is never persisted; verification is the deliberately
// expensive step after the cheap prefix narrowing.
type APIKeyHasher struct {
	Cost int
}

// NewAPIKeyHasher returns a hasher with the given bcrypt cost (4-31), clamped
// into bcrypt's valid range.
func NewAPIKeyHasher(cost int) *APIKeyHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &APIKeyHasher{Cost: cost}
}

// Hash produces a bcrypt hash of the secret for storage.
func (h *APIKeyHasher) Hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies the presented secret against a stored hash in constant
// time. Returns nil only on a match.
func (h *APIKeyHasher) Compare(hash, presented string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented))
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = apiKeyAlphabet[idx.Int64()]
	}
	return string(b), nil
}
