// Package pipeline composes credential verification, session resolution, the
// authorization check, and the delegation guard into the single entry point
// request handling calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	apikeydomain "agent-gateway/backend/internal/apikey/domain"
	apikeystore "agent-gateway/backend/internal/apikey/store"
	auditpkg "agent-gateway/backend/internal/audit"
	auditdomain "agent-gateway/backend/internal/audit/domain"
	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/authz"
	"agent-gateway/backend/internal/credential"
	sessiondomain "agent-gateway/backend/internal/session/domain"
	sessionstore "agent-gateway/backend/internal/session/store"
)

// Request carries one inbound request's credentials and the relationship its
// operation requires. Exactly one of BearerToken or APIKey must be set.
type Request struct {
	BearerToken string
	APIKey      string
	// SessionID, when set, must resolve to a live session for the principal.
	SessionID string
	// Relation and Object name the required permission edge.
	Relation string
	Object   string
}

// Grant is an admitted request: who was authenticated, the session they rode
// in on (if any), and the decision that admitted them.
type Grant struct {
	Principal *credential.Principal
	Session   *sessiondomain.Session
	Decision  authz.Decision
}

// Pipeline runs the full admission sequence: verify credential, resolve and
// refresh the session, run the delegation guard on delegated credentials, and
// check the required relation. Each stage fails closed.
type Pipeline struct {
	verifier     *credential.Verifier
	sessions     sessionstore.Store
	keys         apikeystore.Store
	checker      authz.Checker
	guard        *authz.Guard
	recorder     auditpkg.Recorder
	storeTimeout time.Duration
}

// New returns a Pipeline. recorder may be audit.Nop{}; storeTimeout bounds
// each store call independently of the request deadline.
func New(verifier *credential.Verifier, sessions sessionstore.Store, keys apikeystore.Store, checker authz.Checker, guard *authz.Guard, recorder auditpkg.Recorder, storeTimeout time.Duration) *Pipeline {
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	if recorder == nil {
		recorder = auditpkg.Nop{}
	}
	return &Pipeline{
		verifier:     verifier,
		sessions:     sessions,
		keys:         keys,
		checker:      checker,
		guard:        guard,
		recorder:     recorder,
		storeTimeout: storeTimeout,
	}
}

// Authorize admits or rejects one request. Rejections map to exactly three
// caller-visible outcomes: ErrUnauthenticated (bad credential or session,
// no detail), ErrForbidden (denied, no relation detail), and
// ErrBackendUnavailable (retryable).
func (p *Pipeline) Authorize(ctx context.Context, req Request) (*Grant, error) {
	principal, err := p.verifyCredential(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(principal.ActorChain) > 0 {
		chain := append(append([]string(nil), principal.ActorChain...), principal.Subject)
		ok, err := p.guard.AuthorizeChain(ctx, chain)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.recorder.Record(ctx, chain[0], auditdomain.ActionImpersonationDeny, principal.Subject, false,
				map[string]string{"reason": "delegation chain rejected"})
			return nil, fmt.Errorf("delegation: %w", autherr.ErrForbidden)
		}
	}

	var sess *sessiondomain.Session
	if req.SessionID != "" {
		sess, err = p.touchSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.UserID != principal.Subject {
			// A valid session presented with someone else's credential.
			return nil, fmt.Errorf("session: %w", autherr.ErrUnauthenticated)
		}
	}

	dec, err := p.checker.Check(ctx, principal.Subject, req.Relation, req.Object)
	if err != nil {
		return nil, err
	}
	if dec.Degraded && dec.Allowed {
		p.recorder.Record(ctx, principal.Subject, auditdomain.ActionAuthzFailOpen, req.Object, true,
			map[string]string{"relation": req.Relation})
	}
	if !dec.Allowed {
		p.recorder.Record(ctx, principal.Subject, auditdomain.ActionAuthzCheck, req.Object, false,
			map[string]string{"relation": req.Relation})
		return nil, autherr.ErrForbidden
	}

	return &Grant{Principal: principal, Session: sess, Decision: dec}, nil
}

// EstablishSession creates a session for a verified principal (login). API
// key principals carry scopes instead of roles; scopes fill the role set so
// the session invariant holds either way.
func (p *Pipeline) EstablishSession(ctx context.Context, principal *credential.Principal, metadata map[string]string) (*sessiondomain.Session, error) {
	roles := principal.Roles
	if len(roles) == 0 {
		roles = principal.Scopes
	}
	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	sess, err := p.sessions.Create(callCtx, principal.Subject, principal.Username, roles, metadata, 0)
	if err != nil {
		return nil, err
	}
	p.recorder.Record(ctx, principal.Subject, auditdomain.ActionSessionCreate, sess.ID, true, nil)
	return sess, nil
}

// EstablishImpersonatedSession creates a session for targetUser on behalf of
// principal. The delegation guard runs strictly before the store sees
// anything: a denied impersonation leaves no session, token, or other trace
// of the target identity.
func (p *Pipeline) EstablishImpersonatedSession(ctx context.Context, principal *credential.Principal, targetUser, targetUsername string, roles []string, metadata map[string]string) (*sessiondomain.Session, error) {
	ok, err := p.guard.AuthorizeImpersonation(ctx, principal.Subject, targetUser)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.recorder.Record(ctx, principal.Subject, auditdomain.ActionImpersonationDeny, targetUser, false, nil)
		return nil, fmt.Errorf("impersonation: %w", autherr.ErrForbidden)
	}
	p.recorder.Record(ctx, principal.Subject, auditdomain.ActionImpersonationGrant, targetUser, true, nil)

	if metadata == nil {
		metadata = make(map[string]string, 1)
	}
	metadata["impersonated_by"] = principal.Subject

	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	sess, err := p.sessions.Create(callCtx, targetUser, targetUsername, roles, metadata, 0)
	if err != nil {
		return nil, err
	}
	p.recorder.Record(ctx, principal.Subject, auditdomain.ActionSessionCreate, sess.ID, true,
		map[string]string{"impersonated_user": targetUser})
	return sess, nil
}

// IssueAPIKey provisions a key for ownerID, acting as principal. The
// plaintext secret is returned exactly once and never stored or logged.
func (p *Pipeline) IssueAPIKey(ctx context.Context, principal *credential.Principal, ownerID string, scopes []string, ttl time.Duration) (*apikeydomain.Key, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	key, secret, err := p.keys.Create(callCtx, ownerID, scopes, ttl)
	if err != nil {
		return nil, "", err
	}
	p.recorder.Record(ctx, principal.Subject, auditdomain.ActionAPIKeyCreate, key.ID, true,
		map[string]string{"owner": ownerID})
	return key, secret, nil
}

// RevokeAPIKey revokes the key, acting as principal. Revoking an already
// revoked or unknown key reports false without an audit event.
func (p *Pipeline) RevokeAPIKey(ctx context.Context, principal *credential.Principal, keyID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	revoked, err := p.keys.Revoke(callCtx, keyID)
	if err != nil {
		return false, err
	}
	if revoked {
		p.recorder.Record(ctx, principal.Subject, auditdomain.ActionAPIKeyRevoke, keyID, true, nil)
	}
	return revoked, nil
}

// Logout deletes the session. Deleting an already-gone session is not an
// error; logout is idempotent.
func (p *Pipeline) Logout(ctx context.Context, principal *credential.Principal, sessionID string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	deleted, err := p.sessions.Delete(callCtx, sessionID)
	if err != nil {
		return err
	}
	if deleted {
		p.recorder.Record(ctx, principal.Subject, auditdomain.ActionSessionDelete, sessionID, true, nil)
	}
	return nil
}

func (p *Pipeline) verifyCredential(ctx context.Context, req Request) (*credential.Principal, error) {
	switch {
	case req.BearerToken != "":
		return p.verifier.VerifyBearer(ctx, req.BearerToken)
	case req.APIKey != "":
		return p.verifier.VerifyAPIKey(ctx, req.APIKey)
	default:
		return nil, fmt.Errorf("no credential: %w", autherr.ErrUnauthenticated)
	}
}

// touchSession refreshes the session. A missing or expired session is an
// authentication failure; a backend failure stays retryable and is never
// conflated with NotFound.
func (p *Pipeline) touchSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	sess, err := p.sessions.Touch(callCtx, sessionID)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, autherr.ErrNotFound) {
		return nil, fmt.Errorf("session: %w", autherr.ErrUnauthenticated)
	}
	return nil, err
}
