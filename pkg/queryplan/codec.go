package queryplan

import (
	"encoding/json"
	"fmt"

	"github.com/jacksonlee411/propertyops/pkg/attr"
)

const maxDecodeDepth = 64

type wirePlan struct {
	Kind      string    `json:"kind"`
	Condition *wireExpr `json:"condition,omitempty"`
}

type wireExpr struct {
	Op        Op          `json:"op"`
	Operands  []wireExpr  `json:"operands,omitempty"`
	Attribute string      `json:"attribute,omitempty"`
	Value     *attr.Value `json:"value,omitempty"`
	Subject   bool        `json:"subject,omitempty"`
}

func (p Plan) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	w := wirePlan{Kind: p.Kind.String()}
	if p.Kind == KindConditional {
		c := toWire(*p.Condition)
		w.Condition = &c
	}
	return json.Marshal(w)
}

func (p *Plan) UnmarshalJSON(b []byte) error {
	var w wirePlan
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	var out Plan
	switch w.Kind {
	case "always_allowed":
		out = AlwaysAllow()
	case "always_denied":
		out = AlwaysDeny()
	case "conditional":
		if w.Condition == nil {
			return fmt.Errorf("%w: conditional without condition", ErrInvalidPlan)
		}
		e, err := fromWire(*w.Condition, 0)
		if err != nil {
			return err
		}
		out = Conditional(e)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPlan, w.Kind)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

// Decode parses the wire form of a plan.
func Decode(b []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func toWire(e Expr) wireExpr {
	w := wireExpr{Op: e.Op, Attribute: e.Attribute, Subject: e.Subject}
	if e.Value.IsValid() {
		v := e.Value
		w.Value = &v
	}
	for _, o := range e.Operands {
		w.Operands = append(w.Operands, toWire(o))
	}
	return w
}

func fromWire(w wireExpr, depth int) (Expr, error) {
	if depth > maxDecodeDepth {
		return Expr{}, fmt.Errorf("%w: condition nested deeper than %d", ErrInvalidPlan, maxDecodeDepth)
	}
	e := Expr{Op: w.Op, Attribute: w.Attribute, Subject: w.Subject}
	if w.Value != nil {
		e.Value = *w.Value
	}
	for _, o := range w.Operands {
		x, err := fromWire(o, depth+1)
		if err != nil {
			return Expr{}, err
		}
		e.Operands = append(e.Operands, x)
	}
	return e, nil
}
