// Package policy evaluates whether the relay may dispatch a command to a runner.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the dispatch policy.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Input is the document the policy is evaluated against.
type Input struct {
	RunnerID    string   `json:"runner_id"`
	CommandType string   `json:"command_type"`
	ProjectID   string   `json:"project_id"`
	KnownTypes  []string `json:"known_types"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Result string
	Reason string
}

// Allowed reports whether the command may be sent.
func (d Decision) Allowed() bool {
	return d.Result == Allow
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision = data.dispatch_policy.decision; reason = data.dispatch_policy.reason"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the dispatch policy for in.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return Decision{Result: Deny, Reason: "policy produced no decision"}, nil
	}

	decision, _ := results[0].Bindings["decision"].(string)
	reason, _ := results[0].Bindings["reason"].(string)
	if decision == "" {
		return Decision{Result: Deny, Reason: "unexpected return type"}, nil
	}
	return Decision{Result: decision, Reason: reason}, nil
}

// DefaultPolicy allows every known command type that names a project.
// Runner health checks need no project.
const DefaultPolicy = `
package dispatch_policy

default decision = "deny"
default reason = "unknown command type"

known {
	input.command_type == input.known_types[_]
}

needs_project {
	input.command_type != "runner-health-check"
}

decision = "allow" {
	known
	not needs_project
}

decision = "allow" {
	known
	needs_project
	input.project_id != ""
}

reason = "missing project id" {
	known
	needs_project
	input.project_id == ""
}

reason = "" {
	decision == "allow"
}
`
