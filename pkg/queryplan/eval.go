package queryplan

import (
	"github.com/jacksonlee411/propertyops/pkg/attr"
)

// Row is one record as seen by the reference interpreter. Relation-backed
// attributes hold a string list of the related values.
type Row map[string]attr.Value

// Evaluate interprets the uncompiled plan against one row. Every compiled
// form (SQL, CEL) must agree with it.
func (p Plan) Evaluate(row Row, subjectID string) bool {
	switch p.Kind {
	case KindAlwaysAllow:
		return true
	case KindConditional:
		if p.Condition == nil {
			return false
		}
		return p.Condition.Evaluate(row, subjectID)
	default:
		return false
	}
}

// Evaluate interprets the expression. Missing attributes never equal
// anything, so eq is false and ne is true for them.
func (e Expr) Evaluate(row Row, subjectID string) bool {
	switch e.Op {
	case OpAnd:
		for _, o := range e.Operands {
			if !o.Evaluate(row, subjectID) {
				return false
			}
		}
		return true
	case OpOr:
		for _, o := range e.Operands {
			if o.Evaluate(row, subjectID) {
				return true
			}
		}
		return false
	case OpNot:
		if len(e.Operands) != 1 {
			return false
		}
		return !e.Operands[0].Evaluate(row, subjectID)
	case OpEq:
		return leafEq(row, e, subjectID)
	case OpNe:
		return !leafEq(row, e, subjectID)
	case OpIn:
		rv, ok := row[e.Attribute]
		if !ok {
			return false
		}
		for _, want := range e.Value.List() {
			if rv.Kind() == attr.KindStringList && rv.Contains(want) {
				return true
			}
			if rv.Kind() == attr.KindString && rv.Str() == want {
				return true
			}
		}
		return false
	case OpRelationExists:
		rv, ok := row[e.Attribute]
		if !ok || rv.Kind() != attr.KindStringList {
			return false
		}
		if e.Subject {
			return rv.Contains(subjectID)
		}
		if !e.Value.IsValid() {
			return rv.Len() > 0
		}
		return rv.Contains(e.Value.Str())
	default:
		return false
	}
}

func leafEq(row Row, e Expr, subjectID string) bool {
	rv, ok := row[e.Attribute]
	if !ok {
		return false
	}
	want := e.Value
	if e.Subject {
		want = attr.String(subjectID)
	}
	if rv.Kind() == attr.KindStringList {
		return want.Kind() == attr.KindString && rv.Contains(want.Str())
	}
	return rv.Equal(want)
}
