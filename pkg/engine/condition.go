package engine

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.starlark.net/syntax"
)

// undefined is the value of a payload path that does not exist.
type undefined struct{}

func (undefined) String() string { return "undefined" }

var undefinedValue = undefined{}

// Condition is a parsed, restricted boolean expression over a payload.
type Condition struct {
	source string
	expr   syntax.Expr
}

// Source returns the expression as written in the spec.
func (c *Condition) Source() string { return c.source }

// ParseCondition parses expr and checks that it only uses the permitted subset:
// payload field access, literals, comparisons, membership, and boolean operators.
func ParseCondition(expr string) (*Condition, error) {
	normalized := normalizeOperators(expr)
	if strings.TrimSpace(normalized) == "" {
		return nil, fmt.Errorf("empty condition")
	}

	opts := &syntax.FileOptions{}
	parsed, err := opts.ParseExpr("when", normalized, 0)
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", expr, err)
	}

	if err := checkAllowed(parsed); err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}

	return &Condition{source: expr, expr: parsed}, nil
}

// Eval evaluates the condition against payload.
func (c *Condition) Eval(payload map[string]interface{}) (bool, error) {
	v, err := evalExpr(c.expr, payload)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// ConditionEvaluator evaluates node when-clauses. Parsed conditions are cached.
// Evaluation errors never propagate: they are logged and yield false.
type ConditionEvaluator struct {
	logger  zerolog.Logger
	metrics MetricsRecorder
	cache   sync.Map
}

// NewConditionEvaluator creates a condition evaluator.
func NewConditionEvaluator(logger zerolog.Logger, metrics MetricsRecorder) *ConditionEvaluator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ConditionEvaluator{
		logger:  logger.With().Str("component", "conditions").Logger(),
		metrics: metrics,
	}
}

// Evaluate returns the boolean result of expr, or false if it cannot be evaluated.
func (e *ConditionEvaluator) Evaluate(expr string, payload map[string]interface{}) bool {
	ok, err := e.EvaluateDetailed(expr, payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("expression", expr).Msg("condition evaluation failed, treating as false")
		e.metrics.RecordConditionError("")
		return false
	}
	return ok
}

// EvaluateDetailed evaluates expr and reports any ConditionEvalError to the caller.
func (e *ConditionEvaluator) EvaluateDetailed(expr string, payload map[string]interface{}) (bool, error) {
	cond, err := e.compile(expr)
	if err != nil {
		return false, NewPermanentError("invalid condition", err).WithCode(ErrCodeConditionEval)
	}
	ok, err := cond.Eval(payload)
	if err != nil {
		return false, NewPermanentError("condition evaluation failed", err).WithCode(ErrCodeConditionEval)
	}
	return ok, nil
}

func (e *ConditionEvaluator) compile(expr string) (*Condition, error) {
	if cached, ok := e.cache.Load(expr); ok {
		return cached.(*Condition), nil
	}
	cond, err := ParseCondition(expr)
	if err != nil {
		return nil, err
	}
	e.cache.Store(expr, cond)
	return cond, nil
}

// normalizeOperators rewrites JavaScript-style operators into their Starlark
// spelling. String literals are copied verbatim.
func normalizeOperators(expr string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)
		case strings.HasPrefix(expr[i:], "==="):
			b.WriteString("==")
			i += 2
		case strings.HasPrefix(expr[i:], "!=="):
			b.WriteString("!=")
			i += 2
		case strings.HasPrefix(expr[i:], "!="):
			b.WriteString("!=")
			i++
		case c == '!':
			b.WriteString(" not ")
		case strings.HasPrefix(expr[i:], "&&"):
			b.WriteString(" and ")
			i++
		case strings.HasPrefix(expr[i:], "||"):
			b.WriteString(" or ")
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// checkAllowed rejects every syntax node outside the permitted subset.
func checkAllowed(e syntax.Expr) error {
	switch x := e.(type) {
	case *syntax.Ident, *syntax.Literal:
		return nil
	case *syntax.ParenExpr:
		return checkAllowed(x.X)
	case *syntax.DotExpr:
		return checkAllowed(x.X)
	case *syntax.IndexExpr:
		if _, ok := x.Y.(*syntax.Literal); !ok {
			return fmt.Errorf("index must be a literal")
		}
		return checkAllowed(x.X)
	case *syntax.ListExpr:
		for _, item := range x.List {
			if err := checkAllowed(item); err != nil {
				return err
			}
		}
		return nil
	case *syntax.TupleExpr:
		for _, item := range x.List {
			if err := checkAllowed(item); err != nil {
				return err
			}
		}
		return nil
	case *syntax.UnaryExpr:
		if x.Op != syntax.NOT && x.Op != syntax.MINUS {
			return fmt.Errorf("operator %s is not permitted", x.Op)
		}
		if x.X == nil {
			return fmt.Errorf("missing operand")
		}
		return checkAllowed(x.X)
	case *syntax.BinaryExpr:
		switch x.Op {
		case syntax.EQL, syntax.NEQ, syntax.LT, syntax.LE, syntax.GT, syntax.GE,
			syntax.IN, syntax.NOT_IN, syntax.AND, syntax.OR:
		default:
			return fmt.Errorf("operator %s is not permitted", x.Op)
		}
		if err := checkAllowed(x.X); err != nil {
			return err
		}
		return checkAllowed(x.Y)
	default:
		return fmt.Errorf("expression of type %T is not permitted", e)
	}
}

func evalExpr(e syntax.Expr, payload map[string]interface{}) (interface{}, error) {
	switch x := e.(type) {
	case *syntax.Ident:
		return evalIdent(x.Name, payload), nil

	case *syntax.Literal:
		return literalValue(x)

	case *syntax.ParenExpr:
		return evalExpr(x.X, payload)

	case *syntax.DotExpr:
		base, err := evalExpr(x.X, payload)
		if err != nil {
			return nil, err
		}
		return field(base, x.Name.Name), nil

	case *syntax.IndexExpr:
		base, err := evalExpr(x.X, payload)
		if err != nil {
			return nil, err
		}
		key, err := literalValue(x.Y.(*syntax.Literal))
		if err != nil {
			return nil, err
		}
		return index(base, key), nil

	case *syntax.ListExpr:
		return evalList(x.List, payload)

	case *syntax.TupleExpr:
		return evalList(x.List, payload)

	case *syntax.UnaryExpr:
		v, err := evalExpr(x.X, payload)
		if err != nil {
			return nil, err
		}
		if x.Op == syntax.NOT {
			return !truthy(v), nil
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("unary minus on non-number %v", v)
		}
		return -n, nil

	case *syntax.BinaryExpr:
		return evalBinary(x, payload)
	}
	return nil, fmt.Errorf("expression of type %T is not permitted", e)
}

func evalList(items []syntax.Expr, payload map[string]interface{}) (interface{}, error) {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		v, err := evalExpr(item, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func evalBinary(x *syntax.BinaryExpr, payload map[string]interface{}) (interface{}, error) {
	left, err := evalExpr(x.X, payload)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case syntax.AND:
		if !truthy(left) {
			return false, nil
		}
		right, err := evalExpr(x.Y, payload)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case syntax.OR:
		if truthy(left) {
			return true, nil
		}
		right, err := evalExpr(x.Y, payload)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := evalExpr(x.Y, payload)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case syntax.EQL:
		return valuesEqual(left, right), nil
	case syntax.NEQ:
		return !valuesEqual(left, right), nil
	case syntax.IN:
		return contains(right, left)
	case syntax.NOT_IN:
		ok, err := contains(right, left)
		return !ok, err
	default:
		return compare(x.Op, left, right)
	}
}

func evalIdent(name string, payload map[string]interface{}) interface{} {
	switch name {
	case "payload":
		if payload == nil {
			return map[string]interface{}{}
		}
		return payload
	case "true", "True":
		return true
	case "false", "False":
		return false
	case "null", "None":
		return nil
	case "undefined":
		return undefinedValue
	}
	if v, ok := payload[name]; ok {
		return v
	}
	return undefinedValue
}

func literalValue(l *syntax.Literal) (interface{}, error) {
	switch v := l.Value.(type) {
	case string:
		return v, nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(v).Float64()
		return f, nil
	}
	return nil, fmt.Errorf("unsupported literal %s", l.Raw)
}

func field(base interface{}, name string) interface{} {
	if m, ok := base.(map[string]interface{}); ok {
		if v, ok := m[name]; ok {
			return v
		}
	}
	return undefinedValue
}

func index(base, key interface{}) interface{} {
	switch b := base.(type) {
	case map[string]interface{}:
		if k, ok := key.(string); ok {
			if v, ok := b[k]; ok {
				return v
			}
		}
	case []interface{}:
		if n, ok := toNumber(key); ok {
			i := int(n)
			if i < 0 {
				i += len(b)
			}
			if i >= 0 && i < len(b) {
				return b[i]
			}
		}
	}
	return undefinedValue
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(payload map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = payload
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if _, ok := a.(undefined); ok {
		return false
	}
	if _, ok := b.(undefined); ok {
		return false
	}
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	al, aok := a.([]interface{})
	bl, bok := b.([]interface{})
	if aok && bok {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !valuesEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func contains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case undefined, nil:
		return false, nil
	case []interface{}:
		for _, v := range c {
			if valuesEqual(v, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string as left operand")
		}
		return strings.Contains(c, s), nil
	case map[string]interface{}:
		k, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[k]
		return found, nil
	}
	return false, fmt.Errorf("membership test on %T", container)
}

func compare(op syntax.Token, a, b interface{}) (interface{}, error) {
	_, aUndef := a.(undefined)
	_, bUndef := b.(undefined)
	if aUndef || bUndef || a == nil || b == nil {
		return false, nil
	}

	var cmp int
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return nil, fmt.Errorf("cannot compare %v with %v", a, b)
		}
		switch {
		case an < bn:
			cmp = -1
		case an > bn:
			cmp = 1
		}
	} else if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare %v with %v", a, b)
		}
		cmp = strings.Compare(as, bs)
	} else {
		return nil, fmt.Errorf("cannot order values of type %T", a)
	}

	switch op {
	case syntax.LT:
		return cmp < 0, nil
	case syntax.LE:
		return cmp <= 0, nil
	case syntax.GT:
		return cmp > 0, nil
	case syntax.GE:
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("operator %s is not permitted", op)
}
