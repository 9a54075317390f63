// Package queryplan describes which rows of a resource kind a principal may
// see, and compiles that description into data-access predicates.
//
// A Plan is produced by a policy engine. It is either AlwaysAllow,
// AlwaysDeny or Conditional, where the condition is a boolean expression over
// logical resource attributes. Compilation maps those attributes onto
// physical columns through a caller-supplied Mapping; anything the mapping
// does not know compiles the whole plan to "match nothing".
package queryplan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

var ErrInvalidPlan = errors.New("queryplan: invalid plan")

type Kind uint8

const (
	KindAlwaysDeny Kind = iota
	KindAlwaysAllow
	KindConditional
)

func (k Kind) String() string {
	switch k {
	case KindAlwaysAllow:
		return "always_allowed"
	case KindConditional:
		return "conditional"
	default:
		return "always_denied"
	}
}

type Op string

const (
	OpAnd            Op = "and"
	OpOr             Op = "or"
	OpNot            Op = "not"
	OpEq             Op = "eq"
	OpNe             Op = "ne"
	OpIn             Op = "in"
	OpRelationExists Op = "relation_exists"
)

func (o Op) isLeaf() bool {
	switch o {
	case OpEq, OpNe, OpIn, OpRelationExists:
		return true
	default:
		return false
	}
}

// Expr is one node of the condition tree. Combinators use Operands; leaves
// use Attribute plus either Value or Subject (compare against the requesting
// subject id).
type Expr struct {
	Op        Op
	Operands  []Expr
	Attribute string
	Value     attr.Value
	Subject   bool
}

func And(operands ...Expr) Expr { return Expr{Op: OpAnd, Operands: operands} }
func Or(operands ...Expr) Expr  { return Expr{Op: OpOr, Operands: operands} }
func Not(operand Expr) Expr     { return Expr{Op: OpNot, Operands: []Expr{operand}} }

func Eq(attribute string, v attr.Value) Expr {
	return Expr{Op: OpEq, Attribute: attribute, Value: v}
}

func Ne(attribute string, v attr.Value) Expr {
	return Expr{Op: OpNe, Attribute: attribute, Value: v}
}

func In(attribute string, values ...string) Expr {
	return Expr{Op: OpIn, Attribute: attribute, Value: attr.StringList(values...)}
}

// EqSubject matches rows whose attribute equals the requesting subject id.
func EqSubject(attribute string) Expr {
	return Expr{Op: OpEq, Attribute: attribute, Subject: true}
}

// RelationExists matches rows with at least one related row; with a value,
// a related row whose column equals it.
func RelationExists(attribute string, v attr.Value) Expr {
	return Expr{Op: OpRelationExists, Attribute: attribute, Value: v}
}

func RelationHasSubject(attribute string) Expr {
	return Expr{Op: OpRelationExists, Attribute: attribute, Subject: true}
}

// Attributes returns every attribute referenced by the tree, in walk order,
// without duplicates.
func (e Expr) Attributes() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(x Expr) {
		if x.Op.isLeaf() {
			if !seen[x.Attribute] {
				seen[x.Attribute] = true
				out = append(out, x.Attribute)
			}
			return
		}
		for _, o := range x.Operands {
			walk(o)
		}
	}
	walk(e)
	return out
}

func (e Expr) Validate() error {
	switch e.Op {
	case OpAnd, OpOr:
		for i, o := range e.Operands {
			if err := o.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", e.Op, i, err)
			}
		}
		return nil
	case OpNot:
		if len(e.Operands) != 1 {
			return fmt.Errorf("%w: not takes exactly one operand", ErrInvalidPlan)
		}
		return e.Operands[0].Validate()
	case OpEq, OpNe:
		if strings.TrimSpace(e.Attribute) == "" {
			return fmt.Errorf("%w: %s without attribute", ErrInvalidPlan, e.Op)
		}
		if e.Subject {
			return nil
		}
		switch e.Value.Kind() {
		case attr.KindString, attr.KindNumber, attr.KindBool:
			return nil
		default:
			return fmt.Errorf("%w: %s on %q needs a scalar value", ErrInvalidPlan, e.Op, e.Attribute)
		}
	case OpIn:
		if strings.TrimSpace(e.Attribute) == "" {
			return fmt.Errorf("%w: in without attribute", ErrInvalidPlan)
		}
		if e.Subject || e.Value.Kind() != attr.KindStringList {
			return fmt.Errorf("%w: in on %q needs a string list", ErrInvalidPlan, e.Attribute)
		}
		return nil
	case OpRelationExists:
		if strings.TrimSpace(e.Attribute) == "" {
			return fmt.Errorf("%w: relation_exists without attribute", ErrInvalidPlan)
		}
		if e.Subject || !e.Value.IsValid() || e.Value.Kind() == attr.KindString {
			return nil
		}
		return fmt.Errorf("%w: relation_exists on %q takes a string value", ErrInvalidPlan, e.Attribute)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidPlan, e.Op)
	}
}

// Plan is the tagged union returned by a policy engine. The zero Plan denies.
type Plan struct {
	Kind      Kind
	Condition *Expr
}

func AlwaysAllow() Plan { return Plan{Kind: KindAlwaysAllow} }

func AlwaysDeny() Plan { return Plan{Kind: KindAlwaysDeny} }

func Conditional(condition Expr) Plan {
	c := condition
	return Plan{Kind: KindConditional, Condition: &c}
}

func (p Plan) Validate() error {
	switch p.Kind {
	case KindAlwaysAllow, KindAlwaysDeny:
		if p.Condition != nil {
			return fmt.Errorf("%w: %s carries a condition", ErrInvalidPlan, p.Kind)
		}
		return nil
	case KindConditional:
		if p.Condition == nil {
			return fmt.Errorf("%w: conditional without condition", ErrInvalidPlan)
		}
		return p.Condition.Validate()
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPlan, p.Kind)
	}
}

func (p Plan) String() string {
	if p.Kind != KindConditional || p.Condition == nil {
		return p.Kind.String()
	}
	return p.Condition.String()
}

func (e Expr) String() string {
	switch e.Op {
	case OpAnd, OpOr:
		parts := make([]string, 0, len(e.Operands))
		for _, o := range e.Operands {
			parts = append(parts, o.String())
		}
		return "(" + strings.Join(parts, " "+string(e.Op)+" ") + ")"
	case OpNot:
		if len(e.Operands) == 1 {
			return "not " + e.Operands[0].String()
		}
		return "not ?"
	default:
		rhs := e.Value.String()
		if e.Subject {
			rhs = "$subject"
		} else if e.Op == OpRelationExists && !e.Value.IsValid() {
			rhs = "*"
		}
		return e.Attribute + " " + string(e.Op) + " " + rhs
	}
}
