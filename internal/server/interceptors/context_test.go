package interceptors

import (
	"context"
	"testing"

	"agent-gateway/backend/internal/credential"
	"agent-gateway/backend/internal/pipeline"
	sessiondomain "agent-gateway/backend/internal/session/domain"
)

func TestGrantContextRoundTrip(t *testing.T) {
	g := &pipeline.Grant{
		Principal: &credential.Principal{Subject: "user:alice"},
		Session:   &sessiondomain.Session{ID: "sess-1", UserID: "user:alice"},
	}
	ctx := WithGrant(context.Background(), g)

	got, ok := GetGrant(ctx)
	if !ok || got != g {
		t.Fatalf("GetGrant = (%v, %v)", got, ok)
	}
	if subject, ok := GetSubject(ctx); !ok || subject != "user:alice" {
		t.Errorf("GetSubject = (%q, %v)", subject, ok)
	}
	if id, ok := GetSessionID(ctx); !ok || id != "sess-1" {
		t.Errorf("GetSessionID = (%q, %v)", id, ok)
	}
}

func TestGrantContextAbsent(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetGrant(ctx); ok {
		t.Error("GetGrant reported a grant on an empty context")
	}
	if _, ok := GetSubject(ctx); ok {
		t.Error("GetSubject reported a subject on an empty context")
	}
	if _, ok := GetSessionID(ctx); ok {
		t.Error("GetSessionID reported a session on an empty context")
	}
}
