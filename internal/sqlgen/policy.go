package sqlgen

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// ErrPolicyDenied marks statements rejected by the access policy.
var ErrPolicyDenied = errors.New("denied by query policy")

//go:embed default_policy.rego
var defaultPolicy string

// Policy evaluates a Rego module against every statement before it runs.
// The module must define data.genie.sql.deny as a set of messages; any
// message denies the statement.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy compiles the policy at path, or the built-in policy when path is empty.
func NewPolicy(ctx context.Context, path string) (*Policy, error) {
	content := defaultPolicy
	name := "default_policy.rego"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		content, name = string(data), path
	}

	query, err := rego.New(
		rego.Query("data.genie.sql.deny"),
		rego.Module(name, content),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing policy: %w", err)
	}
	return &Policy{query: query}, nil
}

// Check returns an error wrapping ErrPolicyDenied when the policy denies stmt.
func (p *Policy) Check(ctx context.Context, stmt, dialect string) error {
	if p == nil {
		return nil
	}
	tables := []any{}
	for _, t := range referencedTables(stmt) {
		tables = append(tables, t)
	}
	input := map[string]any{
		"statement": stmt,
		"tables":    tables,
		"dialect":   dialect,
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}

	var reasons []string
	if set, ok := results[0].Expressions[0].Value.([]any); ok {
		for _, v := range set {
			reasons = append(reasons, fmt.Sprint(v))
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	sort.Strings(reasons)
	return fmt.Errorf("%w: %s", ErrPolicyDenied, reasons[0])
}
