// Package policy decides who may approve an action. Rules are CEL
// expressions evaluated against the approval context, so operators can
// express constraints like `actor != requested_by` or
// `severity == "Critical" ? actor in ["U1","U2"] : true` without a deploy.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Input is the approval context visible to rules.
type Input struct {
	Actor       string
	RequestedBy string
	ActionType  string
	ProjectID   string
	Severity    string
}

// Approver evaluates the configured approval rule.
type Approver struct {
	program cel.Program
}

// New compiles expr into an Approver. An empty expression allows everyone.
func New(expr string) (*Approver, error) {
	if expr == "" {
		return &Approver{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("requested_by", cel.StringType),
		cel.Variable("action_type", cel.StringType),
		cel.Variable("project_id", cel.StringType),
		cel.Variable("severity", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("build policy env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile approval policy: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("approval policy must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan approval policy: %w", err)
	}
	return &Approver{program: program}, nil
}

// Allow reports whether the actor may approve under this policy.
func (a *Approver) Allow(in Input) (bool, error) {
	if a == nil || a.program == nil {
		return true, nil
	}
	out, _, err := a.program.Eval(map[string]any{
		"actor":        in.Actor,
		"requested_by": in.RequestedBy,
		"action_type":  in.ActionType,
		"project_id":   in.ProjectID,
		"severity":     in.Severity,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate approval policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval policy returned %T, want bool", out.Value())
	}
	return allowed, nil
}
