package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

const DefaultRegoPackage = "propertyops.authz"

var regoPackagePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// RegoEngine evaluates an OPA policy module. The module must define
// data.<pkg>.allow (boolean) and data.<pkg>.plan (a query plan document);
// data.<pkg>.reason is optional.
type RegoEngine struct {
	pkg    string
	allow  rego.PreparedEvalQuery
	reason rego.PreparedEvalQuery
	plan   rego.PreparedEvalQuery
}

func LoadRegoEngine(ctx context.Context, path string, pkg string) (*RegoEngine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegoEngine(ctx, path, string(src), pkg)
}

func NewRegoEngine(ctx context.Context, filename string, module string, pkg string) (*RegoEngine, error) {
	if pkg == "" {
		pkg = DefaultRegoPackage
	}
	if !regoPackagePattern.MatchString(pkg) {
		return nil, fmt.Errorf("authz: invalid rego package %q", pkg)
	}
	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Query("data."+pkg+"."+rule),
			rego.Module(filename, module),
		).PrepareForEval(ctx)
	}

	var err error
	e := &RegoEngine{pkg: pkg}
	if e.allow, err = prepare("allow"); err != nil {
		return nil, fmt.Errorf("authz: prepare allow: %w", err)
	}
	if e.reason, err = prepare("reason"); err != nil {
		return nil, fmt.Errorf("authz: prepare reason: %w", err)
	}
	if e.plan, err = prepare("plan"); err != nil {
		return nil, fmt.Errorf("authz: prepare plan: %w", err)
	}
	return e, nil
}

func (e *RegoEngine) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	input, err := inputDocument(req)
	if err != nil {
		return Decision{}, err
	}
	rs, err := e.allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: rs.Allowed()}

	rs, err = e.reason.Eval(ctx, rego.EvalInput(input))
	if err == nil && len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if s, ok := rs[0].Expressions[0].Value.(string); ok {
			d.Reason = s
		}
	}
	if d.Reason == "" {
		d.Reason = "data." + e.pkg + ".allow"
	}
	return d, nil
}

// Plan evaluates data.<pkg>.plan. An undefined rule denies.
func (e *RegoEngine) Plan(ctx context.Context, req PlanRequest) (queryplan.Plan, error) {
	input, err := inputDocument(req)
	if err != nil {
		return queryplan.AlwaysDeny(), err
	}
	rs, err := e.plan.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return queryplan.AlwaysDeny(), err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return queryplan.AlwaysDeny(), nil
	}
	b, err := json.Marshal(rs[0].Expressions[0].Value)
	if err != nil {
		return queryplan.AlwaysDeny(), err
	}
	p, err := queryplan.Decode(b)
	if err != nil {
		return queryplan.AlwaysDeny(), fmt.Errorf("authz: rego plan: %w", err)
	}
	return p, nil
}

// inputDocument converts a request into the plain JSON value tree rego expects.
func inputDocument(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("authz: empty input document")
	}
	return out, nil
}
