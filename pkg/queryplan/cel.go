package queryplan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

var rowFilterProgramCache sync.Map

var newRowFilterEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.StringType),
	)
}

type RowFilterOptions struct {
	SubjectID string
	// TenantID, when set, additionally requires row[TenantAttribute] to equal it.
	TenantID        string
	TenantAttribute string
}

// RowFilter evaluates a plan against in-memory rows keyed by logical
// attribute name. It applies the same mapping checks as Compile, so a plan
// that would fail closed in SQL matches nothing here too.
type RowFilter struct {
	kind        FilterKind
	source      string
	program     cel.Program
	subjectID   string
	diagnostics []Diagnostic
}

func NewRowFilter(p Plan, m Mapping, opts RowFilterOptions) (*RowFilter, error) {
	if opts.TenantAttribute == "" {
		opts.TenantAttribute = defaultTenantColumn
	}
	rf := &RowFilter{subjectID: opts.SubjectID}
	if err := p.Validate(); err != nil {
		rf.diagnostics = []Diagnostic{{Reason: err.Error()}}
		return rf, nil
	}

	var src string
	switch p.Kind {
	case KindAlwaysAllow:
		src = "true"
	case KindConditional:
		r := celRenderer{mapping: m}
		out, err := r.expr(*p.Condition)
		if err != nil {
			rf.diagnostics = []Diagnostic{err.diag}
			return rf, nil
		}
		src = out
	default:
		return rf, nil
	}
	if src == "false" {
		return rf, nil
	}
	if opts.TenantID != "" {
		tenant := fmt.Sprintf("(%s in row && row[%s] == %s)",
			strconv.Quote(opts.TenantAttribute), strconv.Quote(opts.TenantAttribute), strconv.Quote(opts.TenantID))
		if src == "true" {
			src = tenant
		} else {
			src = "(" + tenant + " && " + src + ")"
		}
	}
	if src == "true" {
		rf.kind = MatchAll
		rf.source = src
		return rf, nil
	}

	program, err := loadOrCompileRowFilter(src)
	if err != nil {
		return nil, fmt.Errorf("queryplan: compile row filter: %w", err)
	}
	rf.kind = MatchConditional
	rf.source = src
	rf.program = program
	return rf, nil
}

func (f *RowFilter) Kind() FilterKind { return f.kind }

// Source is the CEL expression, empty for MatchNone.
func (f *RowFilter) Source() string { return f.source }

func (f *RowFilter) Diagnostics() []Diagnostic { return f.diagnostics }

func (f *RowFilter) Match(row Row) (bool, error) {
	switch f.kind {
	case MatchAll:
		return true, nil
	case MatchConditional:
		native := make(map[string]any, len(row))
		for k, v := range row {
			if v.IsValid() {
				native[k] = v.Native()
			}
		}
		out, _, err := f.program.Eval(map[string]any{"row": native, "subject": f.subjectID})
		if err != nil {
			return false, err
		}
		v, ok := out.Value().(bool)
		if !ok {
			return false, errors.New("queryplan: row filter returned non-bool")
		}
		return v, nil
	default:
		return false, nil
	}
}

func loadOrCompileRowFilter(src string) (cel.Program, error) {
	if cached, ok := rowFilterProgramCache.Load(src); ok {
		return cached.(cel.Program), nil
	}
	env, err := newRowFilterEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	rowFilterProgramCache.Store(src, program)
	return program, nil
}

type celRenderer struct {
	mapping Mapping
}

// expr renders e. The literals "true" and "false" double as folded constants.
func (r celRenderer) expr(e Expr) (string, *compileError) {
	switch e.Op {
	case OpAnd, OpOr:
		absorbing, identity, sep := "false", "true", " && "
		if e.Op == OpOr {
			absorbing, identity, sep = "true", "false", " || "
		}
		parts := make([]string, 0, len(e.Operands))
		absorbed := false
		for _, o := range e.Operands {
			s, err := r.expr(o)
			if err != nil {
				return "", err
			}
			switch s {
			case absorbing:
				absorbed = true
			case identity:
			default:
				parts = append(parts, s)
			}
		}
		if absorbed {
			return absorbing, nil
		}
		switch len(parts) {
		case 0:
			return identity, nil
		case 1:
			return parts[0], nil
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	case OpNot:
		s, err := r.expr(e.Operands[0])
		if err != nil {
			return "", err
		}
		switch s {
		case "true":
			return "false", nil
		case "false":
			return "true", nil
		}
		return "!" + s, nil
	default:
		return r.leaf(e)
	}
}

func (r celRenderer) leaf(e Expr) (string, *compileError) {
	path, ok := r.mapping[e.Attribute]
	if !ok {
		return "", &compileError{Diagnostic{Attribute: e.Attribute, Reason: "attribute is not mapped"}}
	}
	key := strconv.Quote(e.Attribute)
	ref := "row[" + key + "]"
	present := key + " in row"

	switch e.Op {
	case OpEq, OpNe:
		if path.IsRelation() && !e.Subject && e.Value.Kind() != attr.KindString {
			return "", &compileError{Diagnostic{Attribute: e.Attribute, Reason: "relations compare strings only"}}
		}
		lit := r.literal(e)
		eq := fmt.Sprintf("(%s && (type(%s) == list ? %s in %s : %s == %s))", present, ref, lit, ref, ref, lit)
		if e.Op == OpNe {
			return "!" + eq, nil
		}
		return eq, nil
	case OpIn:
		values := e.Value.List()
		if len(values) == 0 {
			return "false", nil
		}
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = strconv.Quote(v)
		}
		set := "[" + strings.Join(quoted, ", ") + "]"
		return fmt.Sprintf("(%s && (type(%s) == list ? %s.exists(v, v in %s) : %s in %s))", present, ref, ref, set, ref, set), nil
	case OpRelationExists:
		if !path.IsRelation() {
			return "", &compileError{Diagnostic{Attribute: e.Attribute, Reason: "relation_exists needs a relation mapping"}}
		}
		base := fmt.Sprintf("%s && type(%s) == list", present, ref)
		if !e.Subject && !e.Value.IsValid() {
			return fmt.Sprintf("(%s && size(%s) > 0)", base, ref), nil
		}
		return fmt.Sprintf("(%s && %s in %s)", base, r.literal(e), ref), nil
	default:
		return "", &compileError{Diagnostic{Attribute: e.Attribute, Reason: "unsupported op " + string(e.Op)}}
	}
}

func (r celRenderer) literal(e Expr) string {
	if e.Subject {
		return "subject"
	}
	v := e.Value
	switch v.Kind() {
	case attr.KindString:
		return strconv.Quote(v.Str())
	case attr.KindNumber:
		s := strconv.FormatFloat(v.Num(), 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case attr.KindBool:
		return strconv.FormatBool(v.BoolVal())
	default:
		return "null"
	}
}
