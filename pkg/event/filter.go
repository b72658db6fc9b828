package event

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/cuemby/tango/pkg/types"
)

// Filter variables always present in a message.
const (
	VarDomainName = "domain_name"
	VarEventName  = "event_name"
	VarForced     = "forced_event"
)

// BuildConstraint returns the broker filter for one event. Client filters
// are and-ed together and bypassed by forced events.
func BuildConstraint(domain, event string, filters []string) string {
	c := fmt.Sprintf("$%s == '%s' and $%s == '%s'", VarDomainName, strings.ToLower(domain), VarEventName, event)
	var kept []string
	for _, f := range filters {
		if strings.TrimSpace(f) != "" {
			kept = append(kept, f)
		}
	}
	if len(kept) > 0 {
		c += " and ((" + strings.Join(kept, " and ") + ") or $" + VarForced + " > 0.5)"
	}
	return c
}

// Constraint is a compiled filter expression.
type Constraint struct {
	src  string
	root node
}

// ParseConstraint compiles a filter expression. The grammar supports
// comparisons, and, or, not, parentheses, $variables, numbers and quoted
// strings.
func ParseConstraint(src string) (*Constraint, error) {
	ast, err := constraintParser.ParseString("", src)
	if err != nil {
		return nil, badConstraint(src, err.Error())
	}
	return &Constraint{src: src, root: ast.node()}, nil
}

// String returns the source expression.
func (c *Constraint) String() string { return c.src }

// Match evaluates the constraint against the variables of a message.
func (c *Constraint) Match(vars map[string]any) bool {
	return c.root.eval(vars).truth()
}

func badConstraint(src, why string) error {
	return types.Throw(types.ReasonInvalidArgs,
		fmt.Sprintf("bad filter %q: %s", src, why), "ParseConstraint")
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Variable", Pattern: `\$[\p{L}\p{N}_]+`},
	{Name: "String", Pattern: `'[^']*'|"[^"]*"`},
	{Name: "Number", Pattern: `[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`},
	{Name: "Ident", Pattern: `[\p{L}_][\p{L}\p{N}_]*`},
	{Name: "Operator", Pattern: `==|!=|<=|>=|<|>`},
	{Name: "Punct", Pattern: `[()]`},
	{Name: "whitespace", Pattern: `\s+`},
})

var constraintParser = participle.MustBuild[orExpr](
	participle.Lexer(filterLexer),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(2),
)

type orExpr struct {
	And []*andExpr `parser:"@@ ( 'or' @@ )*"`
}

type andExpr struct {
	Not []*notExpr `parser:"@@ ( 'and' @@ )*"`
}

type notExpr struct {
	Not *notExpr `parser:"  'not' @@"`
	Cmp *cmpExpr `parser:"| @@"`
}

type cmpExpr struct {
	Left *operand `parser:"@@"`
	Tail *cmpTail `parser:"@@?"`
}

type cmpTail struct {
	Op    string   `parser:"@Operator"`
	Right *operand `parser:"@@"`
}

type operand struct {
	Sub      *orExpr  `parser:"  '(' @@ ')'"`
	Number   *float64 `parser:"| @Number"`
	Str      *string  `parser:"| @String"`
	Variable *string  `parser:"| @Variable"`
	Bool     *string  `parser:"| @( 'true' | 'false' )"`
}

func (e *orExpr) node() node {
	n := e.And[0].node()
	for _, r := range e.And[1:] {
		n = orNode{n, r.node()}
	}
	return n
}

func (e *andExpr) node() node {
	n := e.Not[0].node()
	for _, r := range e.Not[1:] {
		n = andNode{n, r.node()}
	}
	return n
}

func (e *notExpr) node() node {
	if e.Not != nil {
		return notNode{e.Not.node()}
	}
	return e.Cmp.node()
}

func (e *cmpExpr) node() node {
	if e.Tail == nil {
		return e.Left.node()
	}
	return cmpNode{op: e.Tail.Op, l: e.Left.node(), r: e.Tail.Right.node()}
}

func (o *operand) node() node {
	switch {
	case o.Sub != nil:
		return o.Sub.node()
	case o.Number != nil:
		return litNode{value{kind: kindNum, num: *o.Number}}
	case o.Str != nil:
		// Quotes are stripped without escape processing.
		s := *o.Str
		return litNode{value{kind: kindStr, str: s[1 : len(s)-1]}}
	case o.Variable != nil:
		return varNode(strings.TrimPrefix(*o.Variable, "$"))
	}
	return litNode{boolValue(strings.EqualFold(*o.Bool, "true"))}
}

type valueKind int

const (
	kindUnknown valueKind = iota
	kindNum
	kindStr
	kindBool
)

type value struct {
	kind valueKind
	num  float64
	str  string
	b    bool
}

func (v value) truth() bool {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNum:
		return v.num != 0
	case kindStr:
		return v.str != ""
	}
	return false
}

func boolValue(b bool) value { return value{kind: kindBool, b: b} }

func toValue(x any) value {
	switch v := x.(type) {
	case float64:
		return value{kind: kindNum, num: v}
	case int:
		return value{kind: kindNum, num: float64(v)}
	case string:
		return value{kind: kindStr, str: v}
	case bool:
		return boolValue(v)
	}
	return value{}
}

type node interface {
	eval(vars map[string]any) value
}

type litNode struct{ v value }

func (n litNode) eval(map[string]any) value { return n.v }

type varNode string

func (n varNode) eval(vars map[string]any) value {
	x, ok := vars[string(n)]
	if !ok {
		return value{}
	}
	return toValue(x)
}

type notNode struct{ n node }

func (n notNode) eval(vars map[string]any) value { return boolValue(!n.n.eval(vars).truth()) }

type andNode struct{ l, r node }

func (n andNode) eval(vars map[string]any) value {
	return boolValue(n.l.eval(vars).truth() && n.r.eval(vars).truth())
}

type orNode struct{ l, r node }

func (n orNode) eval(vars map[string]any) value {
	return boolValue(n.l.eval(vars).truth() || n.r.eval(vars).truth())
}

type cmpNode struct {
	op   string
	l, r node
}

func (n cmpNode) eval(vars map[string]any) value {
	a, b := n.l.eval(vars), n.r.eval(vars)
	if a.kind == kindUnknown || b.kind == kindUnknown {
		return boolValue(false)
	}
	var c int
	switch {
	case a.kind == kindNum && b.kind == kindNum:
		c = compareFloat(a.num, b.num)
	case a.kind == kindStr && b.kind == kindStr:
		c = strings.Compare(a.str, b.str)
	case a.kind == kindBool && b.kind == kindBool:
		if a.b != b.b {
			c = 1
		}
		if n.op != "==" && n.op != "!=" {
			return boolValue(false)
		}
	default:
		return boolValue(false)
	}
	switch n.op {
	case "==":
		return boolValue(c == 0)
	case "!=":
		return boolValue(c != 0)
	case "<":
		return boolValue(c < 0)
	case "<=":
		return boolValue(c <= 0)
	case ">":
		return boolValue(c > 0)
	case ">=":
		return boolValue(c >= 0)
	}
	return boolValue(false)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
