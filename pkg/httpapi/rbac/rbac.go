// Package rbac evaluates the HTTP control surface's role/endpoint
// permission table (component K's RBAC check) as a Rego policy rather than
// a hand-rolled role-list scan, grounded on the open-policy-agent/opa
// dependency the example pack's services pull in for exactly this kind of
// in-process authorization decision.
package rbac

import (
	"context"
	_ "embed"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

//go:embed policy.rego
var policySrc string

const query = "data.hitl.authz.allow"

// Authorizer holds a prepared Rego query, built once at startup and reused
// across every request.
type Authorizer struct {
	prepared rego.PreparedEvalQuery
}

// New compiles the embedded policy module into a ready-to-evaluate
// Authorizer.
func New(ctx context.Context) (*Authorizer, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", policySrc),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, hitlerr.Failure("compiling rbac policy", err)
	}
	return &Authorizer{prepared: prepared}, nil
}

// Allowed evaluates whether role belongs to allowedRoles under the
// compiled policy.
func (a *Authorizer) Allowed(ctx context.Context, role string, allowedRoles []string) (bool, error) {
	rs, err := a.prepared.Eval(ctx, rego.EvalInput(map[string]any{
		"role":          role,
		"allowed_roles": allowedRoles,
	}))
	if err != nil {
		return false, hitlerr.Failure("evaluating rbac policy", err)
	}
	return rs.Allowed(), nil
}
