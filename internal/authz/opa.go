package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const tuplePolicyQuery = "data.agentgateway.rebac.allow"

// tuplePolicy grants a relation only when a matching tuple exists. The tuple
// set is passed as input on every evaluation, so writes through the
// administrative path are visible to the next Check without recompiling.
const tuplePolicy = `package agentgateway.rebac

default allow = false

allow if {
	some t in input.tuples
	t.subject == input.subject
	t.relation == input.relation
	t.object == input.object
}
`

// Tuple is one edge of the relationship graph: subject holds relation on object.
type Tuple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// EmbeddedEngine evaluates relationship checks with in-process OPA Rego over
// a locally held tuple set. It stands in for the external relationship engine
// in single-node and development deployments.
type EmbeddedEngine struct {
	compiler *ast.Compiler

	mu     sync.RWMutex
	tuples map[Tuple]struct{}
}

// NewEmbeddedEngine compiles the tuple policy and returns an engine with an
// empty relationship graph.
func NewEmbeddedEngine() (*EmbeddedEngine, error) {
	compiler, err := ast.CompileModules(map[string]string{"rebac.rego": tuplePolicy})
	if err != nil {
		return nil, fmt.Errorf("authz: compile tuple policy: %w", err)
	}
	return &EmbeddedEngine{
		compiler: compiler,
		tuples:   make(map[Tuple]struct{}),
	}, nil
}

// WriteTuple adds an edge to the relationship graph. This is the explicit
// administrative path; request handling only ever reads.
func (e *EmbeddedEngine) WriteTuple(t Tuple) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tuples[t] = struct{}{}
}

// DeleteTuple removes an edge. Removing an absent edge is a no-op.
func (e *EmbeddedEngine) DeleteTuple(t Tuple) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tuples, t)
}

func (e *EmbeddedEngine) Check(ctx context.Context, subject, relation, object string) (bool, error) {
	input := map[string]interface{}{
		"subject":  subject,
		"relation": relation,
		"object":   object,
		"tuples":   e.snapshot(),
	}
	q := rego.New(
		rego.Query(tuplePolicyQuery),
		rego.Compiler(e.compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return false, fmt.Errorf("authz: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("authz: eval returned no result")
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("authz: eval returned non-boolean %T", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

// HealthCheck verifies the compiled policy still evaluates. It does not touch
// the tuple set.
func (e *EmbeddedEngine) HealthCheck(ctx context.Context) error {
	q := rego.New(
		rego.Query(tuplePolicyQuery),
		rego.Compiler(e.compiler),
		rego.Input(map[string]interface{}{
			"subject":  "user:probe",
			"relation": "viewer",
			"object":   "doc:probe",
			"tuples":   []interface{}{},
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("authz: health eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("authz: health eval returned no result")
	}
	return nil
}

func (e *EmbeddedEngine) snapshot() []interface{} {
	e.mu.RLock()
	tuples := make([]Tuple, 0, len(e.tuples))
	for t := range e.tuples {
		tuples = append(tuples, t)
	}
	e.mu.RUnlock()

	sort.Slice(tuples, func(i, j int) bool {
		a, b := tuples[i], tuples[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Relation != b.Relation {
			return a.Relation < b.Relation
		}
		return a.Object < b.Object
	})
	out := make([]interface{}, len(tuples))
	for i, t := range tuples {
		out[i] = map[string]interface{}{
			"subject":  t.Subject,
			"relation": t.Relation,
			"object":   t.Object,
		}
	}
	return out
}
