package authz

import (
	"context"
	"errors"
	"testing"
)

// guardChecker answers can_impersonate from a fixed link set.
type guardChecker struct {
	links map[[2]string]bool
	err   error
	calls int
}

func (g *guardChecker) Check(ctx context.Context, subject, relation, object string) (Decision, error) {
	g.calls++
	if g.err != nil {
		return Decision{}, g.err
	}
	if relation != RelationCanImpersonate {
		return Decision{}, nil
	}
	return Decision{Allowed: g.links[[2]string{subject, object}]}, nil
}

func link(pairs ...[2]string) *guardChecker {
	links := make(map[[2]string]bool, len(pairs))
	for _, p := range pairs {
		links[p] = true
	}
	return &guardChecker{links: links}
}

func TestGuard_AuthorizeImpersonation(t *testing.T) {
	checker := link([2]string{"svc:agent", "user:carol"})
	g := NewGuard(checker, 3)
	ctx := context.Background()

	ok, err := g.AuthorizeImpersonation(ctx, "svc:agent", "user:carol")
	if err != nil || !ok {
		t.Errorf("granted link = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = g.AuthorizeImpersonation(ctx, "user:bob", "user:carol")
	if err != nil || ok {
		t.Errorf("ungranted link = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGuard_RejectsSelfImpersonationWithoutEngineCall(t *testing.T) {
	checker := link([2]string{"user:alice", "user:alice"})
	g := NewGuard(checker, 3)

	ok, err := g.AuthorizeImpersonation(context.Background(), "user:alice", "user:alice")
	if err != nil || ok {
		t.Errorf("self-impersonation = (%v, %v), want (false, nil)", ok, err)
	}
	if checker.calls != 0 {
		t.Errorf("engine consulted %d times for a self-referential link", checker.calls)
	}
}

func TestGuard_AuthorizeChain(t *testing.T) {
	checker := link(
		[2]string{"svc:agent", "user:bob"},
		[2]string{"user:bob", "user:carol"},
	)
	g := NewGuard(checker, 3)
	ctx := context.Background()

	ok, err := g.AuthorizeChain(ctx, []string{"svc:agent", "user:bob", "user:carol"})
	if err != nil || !ok {
		t.Errorf("valid chain = (%v, %v), want (true, nil)", ok, err)
	}

	// One missing link fails the whole chain.
	ok, err = g.AuthorizeChain(ctx, []string{"svc:agent", "user:bob", "user:dave"})
	if err != nil || ok {
		t.Errorf("chain with missing link = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGuard_RejectsCyclesRegardlessOfLinkValidity(t *testing.T) {
	// Every individual link is granted; the shape alone must reject.
	checker := link(
		[2]string{"user:alice", "user:bob"},
		[2]string{"user:bob", "user:alice"},
	)
	g := NewGuard(checker, 5)

	ok, err := g.AuthorizeChain(context.Background(), []string{"user:alice", "user:bob", "user:alice"})
	if err != nil || ok {
		t.Errorf("cyclic chain = (%v, %v), want (false, nil)", ok, err)
	}
	if checker.calls != 0 {
		t.Errorf("engine consulted %d times for a cyclic chain", checker.calls)
	}
}

func TestGuard_RejectsChainsBeyondMaxDepth(t *testing.T) {
	checker := link(
		[2]string{"a", "b"},
		[2]string{"b", "c"},
		[2]string{"c", "d"},
	)
	g := NewGuard(checker, 2)
	ctx := context.Background()

	ok, err := g.AuthorizeChain(ctx, []string{"a", "b", "c"})
	if err != nil || !ok {
		t.Errorf("chain at max depth = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = g.AuthorizeChain(ctx, []string{"a", "b", "c", "d"})
	if err != nil || ok {
		t.Errorf("chain beyond max depth = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestGuard_FailsClosedOnCheckerError(t *testing.T) {
	checker := &guardChecker{err: errors.New("engine down")}
	g := NewGuard(checker, 3)

	ok, err := g.AuthorizeImpersonation(context.Background(), "svc:agent", "user:carol")
	if err == nil {
		t.Error("checker error swallowed")
	}
	if ok {
		t.Error("checker error produced a grant")
	}
}
