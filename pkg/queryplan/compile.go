package queryplan

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

type FilterKind uint8

const (
	MatchNone FilterKind = iota
	MatchAll
	MatchConditional
)

func (k FilterKind) String() string {
	switch k {
	case MatchAll:
		return "match_all"
	case MatchConditional:
		return "conditional"
	default:
		return "match_none"
	}
}

// Diagnostic explains why a plan compiled to MatchNone.
type Diagnostic struct {
	Attribute string
	Reason    string
}

func (d Diagnostic) String() string {
	if d.Attribute == "" {
		return d.Reason
	}
	return d.Attribute + ": " + d.Reason
}

// Filter is a compiled plan. Expr is set only for MatchConditional.
type Filter struct {
	Kind        FilterKind
	Expr        clause.Expression
	Diagnostics []Diagnostic
}

// Apply narrows a query to the rows the filter admits.
func (f Filter) Apply(db *gorm.DB) *gorm.DB {
	switch f.Kind {
	case MatchAll:
		return db
	case MatchConditional:
		if f.Expr == nil {
			return db.Where("1 = 0")
		}
		return db.Where(f.Expr)
	default:
		return db.Where("1 = 0")
	}
}

type CompileOptions struct {
	// Table qualifies every column. Required when the mapping has relations.
	Table string
	// TenantColumn defaults to tenant_id.
	TenantColumn string
	// TenantID, when set, is ANDed onto every admitting filter and scopes
	// related rows.
	TenantID  string
	SubjectID string
}

type compileError struct {
	diag Diagnostic
}

func (e *compileError) Error() string { return e.diag.String() }

// node is an intermediate result: a folded constant or a SQL fragment.
type node struct {
	konst *bool
	expr  clause.Expr
}

var (
	nodeTrue  = node{konst: boolPtr(true)}
	nodeFalse = node{konst: boolPtr(false)}
)

func boolPtr(b bool) *bool { return &b }

// Compile turns a plan into a gorm filter. Anything that cannot be mapped
// compiles to MatchNone with a diagnostic.
func Compile(p Plan, m Mapping, opts CompileOptions) Filter {
	if opts.TenantColumn == "" {
		opts.TenantColumn = defaultTenantColumn
	}
	if err := p.Validate(); err != nil {
		return none(Diagnostic{Reason: err.Error()})
	}

	var n node
	switch p.Kind {
	case KindAlwaysAllow:
		n = nodeTrue
	case KindConditional:
		c := compiler{mapping: m, opts: opts}
		out, err := c.expr(*p.Condition)
		if err != nil {
			return none(err.diag)
		}
		n = out
	default:
		return Filter{Kind: MatchNone}
	}

	if n.konst != nil && !*n.konst {
		return Filter{Kind: MatchNone}
	}
	if opts.TenantID != "" {
		tenant := clause.Expr{
			SQL:  "? = ?",
			Vars: []any{column(opts.Table, opts.TenantColumn), opts.TenantID},
		}
		if n.konst != nil {
			return Filter{Kind: MatchConditional, Expr: tenant}
		}
		return Filter{Kind: MatchConditional, Expr: join("AND", []node{{expr: tenant}, n})}
	}
	if n.konst != nil {
		return Filter{Kind: MatchAll}
	}
	return Filter{Kind: MatchConditional, Expr: n.expr}
}

func none(d Diagnostic) Filter {
	return Filter{Kind: MatchNone, Diagnostics: []Diagnostic{d}}
}

type compiler struct {
	mapping Mapping
	opts    CompileOptions
}

func (c compiler) expr(e Expr) (node, *compileError) {
	switch e.Op {
	case OpAnd, OpOr:
		return c.combine(e)
	case OpNot:
		inner, err := c.expr(e.Operands[0])
		if err != nil {
			return node{}, err
		}
		if inner.konst != nil {
			if *inner.konst {
				return nodeFalse, nil
			}
			return nodeTrue, nil
		}
		return node{expr: clause.Expr{SQL: "(NOT ?)", Vars: []any{inner.expr}}}, nil
	default:
		return c.leaf(e)
	}
}

func (c compiler) combine(e Expr) (node, *compileError) {
	absorbing, identity := false, true
	if e.Op == OpOr {
		absorbing, identity = true, false
	}
	// Every operand is compiled before folding so an unmapped attribute
	// anywhere in the tree fails the plan.
	parts := make([]node, 0, len(e.Operands))
	absorbed := false
	for _, o := range e.Operands {
		n, err := c.expr(o)
		if err != nil {
			return node{}, err
		}
		if n.konst != nil {
			absorbed = absorbed || *n.konst == absorbing
			continue
		}
		parts = append(parts, n)
	}
	if absorbed {
		return node{konst: boolPtr(absorbing)}, nil
	}
	switch len(parts) {
	case 0:
		return node{konst: boolPtr(identity)}, nil
	case 1:
		return parts[0], nil
	}
	return node{expr: join(strings.ToUpper(string(e.Op)), parts)}, nil
}

func join(op string, parts []node) clause.Expr {
	placeholders := make([]string, len(parts))
	vars := make([]any, len(parts))
	for i, p := range parts {
		placeholders[i] = "?"
		vars[i] = p.expr
	}
	return clause.Expr{SQL: "(" + strings.Join(placeholders, " "+op+" ") + ")", Vars: vars}
}

func (c compiler) leaf(e Expr) (node, *compileError) {
	path, ok := c.mapping[e.Attribute]
	if !ok {
		return node{}, &compileError{Diagnostic{Attribute: e.Attribute, Reason: "attribute is not mapped"}}
	}
	if path.IsRelation() {
		return c.relationLeaf(e, path.Relation.withDefaults())
	}

	col := column(c.opts.Table, path.Column)
	switch e.Op {
	case OpEq:
		return node{expr: clause.Expr{SQL: "(? IS NOT NULL AND ? = ?)", Vars: []any{col, col, c.value(e)}}}, nil
	case OpNe:
		return node{expr: clause.Expr{SQL: "(? IS NULL OR ? <> ?)", Vars: []any{col, col, c.value(e)}}}, nil
	case OpIn:
		values := e.Value.List()
		if len(values) == 0 {
			return nodeFalse, nil
		}
		return node{expr: clause.Expr{SQL: "(? IS NOT NULL AND ? IN (?))", Vars: []any{col, col, values}}}, nil
	default:
		return node{}, &compileError{Diagnostic{Attribute: e.Attribute, Reason: fmt.Sprintf("%s needs a relation mapping", e.Op)}}
	}
}

func (c compiler) relationLeaf(e Expr, rel Relation) (node, *compileError) {
	if c.opts.Table == "" {
		return node{}, &compileError{Diagnostic{Attribute: e.Attribute, Reason: "relation needs a qualified outer table"}}
	}

	var tenantVar any = column(c.opts.Table, c.opts.TenantColumn)
	if c.opts.TenantID != "" {
		tenantVar = c.opts.TenantID
	}
	sql := "EXISTS (SELECT 1 FROM ? WHERE ? = ? AND ? = ?"
	vars := []any{
		clause.Table{Name: rel.Table},
		column(rel.Table, rel.ForeignKey), column(c.opts.Table, rel.LocalKey),
		column(rel.Table, rel.TenantColumn), tenantVar,
	}
	relCol := column(rel.Table, rel.Column)
	negate := false

	switch e.Op {
	case OpEq, OpNe, OpRelationExists:
		if !e.Subject && !e.Value.IsValid() {
			if e.Op != OpRelationExists {
				return node{}, &compileError{Diagnostic{Attribute: e.Attribute, Reason: "missing value"}}
			}
			break
		}
		if !e.Subject && e.Value.Kind() != attr.KindString {
			return node{}, &compileError{Diagnostic{Attribute: e.Attribute, Reason: "relations compare strings only"}}
		}
		sql += " AND ? = ?"
		vars = append(vars, relCol, c.value(e))
		negate = e.Op == OpNe
	case OpIn:
		values := e.Value.List()
		if len(values) == 0 {
			return nodeFalse, nil
		}
		sql += " AND ? IN (?)"
		vars = append(vars, relCol, values)
	}
	sql += ")"
	if negate {
		sql = "(NOT " + sql + ")"
	} else {
		sql = "(" + sql + ")"
	}
	return node{expr: clause.Expr{SQL: sql, Vars: vars}}, nil
}

func (c compiler) value(e Expr) any {
	if e.Subject {
		return c.opts.SubjectID
	}
	return e.Value.Native()
}

func column(table, name string) clause.Column {
	return clause.Column{Table: table, Name: name}
}
