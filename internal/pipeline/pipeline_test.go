package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	apikeystore "agent-gateway/backend/internal/apikey/store"
	"agent-gateway/backend/internal/audit"
	auditdomain "agent-gateway/backend/internal/audit/domain"
	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/authz"
	"agent-gateway/backend/internal/credential"
	"agent-gateway/backend/internal/security"
	sessionstore "agent-gateway/backend/internal/session/store"
)

// grantAll answers every relation; denyAll answers none.
type staticChecker struct {
	allowed bool
	err     error
	// checks records every (subject, relation, object) seen.
	checks [][3]string
}

func (c *staticChecker) Check(ctx context.Context, subject, relation, object string) (authz.Decision, error) {
	c.checks = append(c.checks, [3]string{subject, relation, object})
	if c.err != nil {
		return authz.Decision{}, c.err
	}
	return authz.Decision{Allowed: c.allowed}, nil
}

type fixture struct {
	pipeline *Pipeline
	signer   *security.TestSigner
	sessions sessionstore.Store
	keys     apikeystore.Store
	checker  *staticChecker
	guard    *guardChecker
}

// guardChecker serves the delegation guard's can_impersonate queries from a
// fixed link set, independent of the main checker.
type guardChecker struct {
	links map[[2]string]bool
}

func (g *guardChecker) Check(ctx context.Context, subject, relation, object string) (authz.Decision, error) {
	return authz.Decision{Allowed: g.links[[2]string{subject, object}]}, nil
}

func newFixture(t *testing.T, allowed bool) *fixture {
	t.Helper()
	tokens, err := security.NewTestVerifier()
	if err != nil {
		t.Fatalf("NewTestVerifier: %v", err)
	}
	signer, err := security.NewTestSigner()
	if err != nil {
		t.Fatalf("NewTestSigner: %v", err)
	}
	hasher := security.NewAPIKeyHasher(4)
	keys := apikeystore.NewMemoryStore(hasher)
	sessions := sessionstore.NewMemoryStore(sessionstore.Options{
		Sliding:    true,
		MaxPerUser: 5,
		TTL:        time.Hour,
	})
	checker := &staticChecker{allowed: allowed}
	guard := &guardChecker{links: map[[2]string]bool{}}
	verifier := credential.NewVerifier(tokens, keys, hasher)
	return &fixture{
		pipeline: New(verifier, sessions, keys, checker, authz.NewGuard(guard, 3), audit.Nop{}, time.Second),
		signer:   signer,
		sessions: sessions,
		keys:     keys,
		checker:  checker,
		guard:    guard,
	}
}

func (f *fixture) bearer(t *testing.T, subject string) string {
	t.Helper()
	token, err := f.signer.Sign(subject, "user", []string{"member"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

func TestPipeline_AuthorizeAdmitsValidRequest(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	p, err := f.pipeline.verifier.VerifyBearer(ctx, f.bearer(t, "user:alice"))
	if err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	sess, err := f.pipeline.EstablishSession(ctx, p, nil)
	if err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}

	grant, err := f.pipeline.Authorize(ctx, Request{
		BearerToken: f.bearer(t, "user:alice"),
		SessionID:   sess.ID,
		Relation:    "read",
		Object:      "thread:1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Principal.Subject != "user:alice" {
		t.Errorf("Subject = %q", grant.Principal.Subject)
	}
	if grant.Session == nil || grant.Session.ID != sess.ID {
		t.Errorf("Session = %+v, want %s", grant.Session, sess.ID)
	}
	if len(f.checker.checks) != 1 || f.checker.checks[0] != [3]string{"user:alice", "read", "thread:1"} {
		t.Errorf("checks = %v", f.checker.checks)
	}
}

func TestPipeline_AuthorizeRejectsMissingCredential(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.pipeline.Authorize(context.Background(), Request{Relation: "read", Object: "thread:1"})
	if !errors.Is(err, autherr.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestPipeline_AuthorizeTreatsUnknownSessionAsUnauthenticated(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.pipeline.Authorize(context.Background(), Request{
		BearerToken: f.bearer(t, "user:alice"),
		SessionID:   "no-such-session",
		Relation:    "read",
		Object:      "thread:1",
	})
	if !errors.Is(err, autherr.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
	if errors.Is(err, autherr.ErrNotFound) {
		t.Error("store NotFound leaked through the pipeline")
	}
}

func TestPipeline_AuthorizeRejectsSessionOwnedByAnotherUser(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, "user:bob", "bob", []string{"member"}, nil, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = f.pipeline.Authorize(ctx, Request{
		BearerToken: f.bearer(t, "user:alice"),
		SessionID:   sess.ID,
		Relation:    "read",
		Object:      "thread:1",
	})
	if !errors.Is(err, autherr.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestPipeline_AuthorizeDeniesWithoutRelation(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.pipeline.Authorize(context.Background(), Request{
		BearerToken: f.bearer(t, "user:alice"),
		Relation:    "admin",
		Object:      "thread:1",
	})
	if !errors.Is(err, autherr.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestPipeline_AuthorizeWithAPIKey(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, secret, err := f.keys.Create(ctx, "svc:worker", []string{"tools:invoke"}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	grant, err := f.pipeline.Authorize(ctx, Request{
		APIKey:   secret,
		Relation: "write",
		Object:   "thread:1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Principal.Subject != "svc:worker" {
		t.Errorf("Subject = %q", grant.Principal.Subject)
	}
}

func TestPipeline_AuthorizeRunsGuardOnDelegatedTokens(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// Token: svc:agent acting as user:carol. No can_impersonate tuple yet.
	token, err := f.signer.Sign("user:carol", "carol", []string{"member"}, time.Now().Add(time.Hour), "svc:agent")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = f.pipeline.Authorize(ctx, Request{BearerToken: token, Relation: "read", Object: "thread:1"})
	if !errors.Is(err, autherr.ErrForbidden) {
		t.Errorf("ungranted delegation: err = %v, want ErrForbidden", err)
	}

	f.guard.links[[2]string{"svc:agent", "user:carol"}] = true
	grant, err := f.pipeline.Authorize(ctx, Request{BearerToken: token, Relation: "read", Object: "thread:1"})
	if err != nil {
		t.Fatalf("granted delegation: %v", err)
	}
	if grant.Principal.Subject != "user:carol" {
		t.Errorf("Subject = %q, want the impersonated identity", grant.Principal.Subject)
	}
}

func TestPipeline_EstablishImpersonatedSessionGuardsBeforeCreate(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	principal := &credential.Principal{Subject: "svc:agent"}
	_, err := f.pipeline.EstablishImpersonatedSession(ctx, principal, "user:carol", "carol", []string{"member"}, nil)
	if !errors.Is(err, autherr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	// The denial must leave no session for the target identity.
	live, err := f.sessions.ListActiveForUser(ctx, "user:carol")
	if err != nil {
		t.Fatalf("ListActiveForUser: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("denied impersonation minted %d sessions", len(live))
	}

	f.guard.links[[2]string{"svc:agent", "user:carol"}] = true
	sess, err := f.pipeline.EstablishImpersonatedSession(ctx, principal, "user:carol", "carol", []string{"member"}, nil)
	if err != nil {
		t.Fatalf("EstablishImpersonatedSession: %v", err)
	}
	if sess.UserID != "user:carol" {
		t.Errorf("UserID = %q", sess.UserID)
	}
	if sess.Metadata["impersonated_by"] != "svc:agent" {
		t.Errorf("Metadata = %v, want impersonated_by stamp", sess.Metadata)
	}
}

func TestPipeline_LogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	principal := &credential.Principal{Subject: "user:alice"}

	sess, err := f.pipeline.EstablishSession(ctx, &credential.Principal{Subject: "user:alice", Roles: []string{"member"}}, nil)
	if err != nil {
		t.Fatalf("EstablishSession: %v", err)
	}
	if err := f.pipeline.Logout(ctx, principal, sess.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := f.pipeline.Logout(ctx, principal, sess.ID); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if _, err := f.sessions.Get(ctx, sess.ID); !errors.Is(err, autherr.ErrNotFound) {
		t.Errorf("Get after logout: err = %v, want ErrNotFound", err)
	}
}

type captureRecorder struct {
	events []capturedEvent
}

type capturedEvent struct {
	subject, action, target string
	allowed                 bool
}

func (r *captureRecorder) Record(_ context.Context, subject, action, target string, allowed bool, _ map[string]string) {
	r.events = append(r.events, capturedEvent{subject, action, target, allowed})
}

func TestIssueAndRevokeAPIKeyAreAudited(t *testing.T) {
	f := newFixture(t, true)
	rec := &captureRecorder{}
	f.pipeline.recorder = rec
	ctx := context.Background()
	admin := &credential.Principal{Subject: "user:admin"}

	key, secret, err := f.pipeline.IssueAPIKey(ctx, admin, "owner:svc1", []string{"tools:read"}, 0)
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if secret == "" {
		t.Fatal("IssueAPIKey must return the plaintext secret")
	}

	revoked, err := f.pipeline.RevokeAPIKey(ctx, admin, key.ID)
	if err != nil || !revoked {
		t.Fatalf("RevokeAPIKey = (%v, %v), want (true, nil)", revoked, err)
	}
	// A second revoke changes nothing and must not produce a second event.
	if revoked, err := f.pipeline.RevokeAPIKey(ctx, admin, key.ID); err != nil || revoked {
		t.Fatalf("repeat RevokeAPIKey = (%v, %v), want (false, nil)", revoked, err)
	}

	want := []capturedEvent{
		{"user:admin", auditdomain.ActionAPIKeyCreate, key.ID, true},
		{"user:admin", auditdomain.ActionAPIKeyRevoke, key.ID, true},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %+v, want %+v", rec.events, want)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, rec.events[i], want[i])
		}
	}
}
