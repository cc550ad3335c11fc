package security

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKeySecret_Format(t *testing.T) {
	secret, prefix, err := GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}
	if !strings.HasPrefix(secret, "ak_"+prefix+"_") {
		t.Errorf("secret %q should start with ak_%s_", secret, prefix)
	}
	if len(prefix) != APIKeyPrefixLen {
		t.Errorf("prefix length = %d, want %d", len(prefix), APIKeyPrefixLen)
	}

	got, err := APIKeyPrefix(secret)
	if err != nil {
		t.Fatalf("APIKeyPrefix: %v", err)
	}
	if got != prefix {
		t.Errorf("APIKeyPrefix = %q, want %q", got, prefix)
	}
}

func TestGenerateAPIKeySecret_Distinct(t *testing.T) {
	a, _, err := GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}
	b, _, err := GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}
	if a == b {
		t.Error("two generated secrets should not collide")
	}
}

func TestAPIKeyPrefix_RejectsMalformed(t *testing.T) {
	for _, presented := range []string{"", "ak_short", "sk_aaaaaaaa_rest", "ak_aaaa_rest", "ak_aaaaaaaa_"} {
		if _, err := APIKeyPrefix(presented); !errors.Is(err, ErrMalformedAPIKey) {
			t.Errorf("APIKeyPrefix(%q): err = %v, want ErrMalformedAPIKey", presented, err)
		}
	}
}

func TestAPIKeyHasher_RoundTrip(t *testing.T) {
	h := NewAPIKeyHasher(bcrypt.MinCost)
	secret, _, err := GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}

	hash, err := h.Hash(secret)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == secret {
		t.Fatal("hash must not equal the plaintext secret")
	}
	if err := h.Compare(hash, secret); err != nil {
		t.Errorf("Compare with the right secret: %v", err)
	}
	if err := h.Compare(hash, secret+"x"); err == nil {
		t.Error("Compare with a wrong secret should fail")
	}
}

func TestNewAPIKeyHasher_ClampsCost(t *testing.T) {
	if h := NewAPIKeyHasher(0); h.Cost != bcrypt.DefaultCost {
		t.Errorf("cost = %d, want default %d", h.Cost, bcrypt.DefaultCost)
	}
	if h := NewAPIKeyHasher(99); h.Cost != bcrypt.MaxCost {
		t.Errorf("cost = %d, want max %d", h.Cost, bcrypt.MaxCost)
	}
}
