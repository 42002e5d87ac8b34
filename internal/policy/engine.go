// Package policy decides whether a run request may execute and whether it may replay.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of a run admission check.
type Decision string

const (
	// DecisionAllow runs the request as received.
	DecisionAllow Decision = "allow"
	// DecisionFresh runs without replay, as if no trace id was given.
	DecisionFresh Decision = "fresh"
	// DecisionBlock skips the worker entirely.
	DecisionBlock Decision = "block"
)

// Input is the document a run policy is evaluated against.
type Input struct {
	Function string   `json:"function"`
	TraceID  string   `json:"trace_id"`
	Paths    []string `json:"paths"`
	HasArgs  bool     `json:"has_args"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.rollout_policy.decision"),
		rego.Module("rollout_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine builds an engine from a policy file, or from DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks the run policy.
// The rule may produce a string or an object {decision, reason}.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (Decision, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return DecisionAllow, "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return parseDecision(val)
	case map[string]interface{}:
		d, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		decision, _, err := parseDecision(d)
		return decision, reason, err
	default:
		return DecisionAllow, "", fmt.Errorf("unexpected policy result type %T", val)
	}
}

func parseDecision(s string) (Decision, string, error) {
	switch Decision(s) {
	case DecisionAllow, DecisionFresh, DecisionBlock:
		return Decision(s), "", nil
	default:
		return DecisionAllow, "", fmt.Errorf("unknown policy decision %q", s)
	}
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package rollout_policy

default decision = "allow"

# Nothing to run without a target function
decision = "block" {
	input.function == ""
}
`
