package expr

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// maxInValues is the store's limit on IN list operands
const maxInValues = 100

// fragmentFunc renders a push-down fragment for name (already a placeholder)
type fragmentFunc func(b *Builder, name string, value any) (string, error)

// evalFunc evaluates a predicate against an attribute. present is false when
// the record has no such field.
type evalFunc func(actual any, present bool, expected any) bool

// operatorSpec is one row of the operator table. A nil fragment means the
// operator has no push-down form and must be evaluated client side.
type operatorSpec struct {
	fragment fragmentFunc
	eval     evalFunc
}

// operatorTable is the single place operators are defined
var operatorTable = map[core.Operator]operatorSpec{
	core.OpEq:         {fragment: comparator("="), eval: func(a any, ok bool, e any) bool { return ok && Equal(a, e) }},
	core.OpNe:         {fragment: comparator("<>"), eval: func(a any, ok bool, e any) bool { return !ok || !Equal(a, e) }},
	core.OpGt:         {fragment: comparator(">"), eval: ordered(func(c int) bool { return c > 0 })},
	core.OpGte:        {fragment: comparator(">="), eval: ordered(func(c int) bool { return c >= 0 })},
	core.OpLt:         {fragment: comparator("<"), eval: ordered(func(c int) bool { return c < 0 })},
	core.OpLte:        {fragment: comparator("<="), eval: ordered(func(c int) bool { return c <= 0 })},
	core.OpIn:         {fragment: membership(false), eval: func(a any, ok bool, e any) bool { return ok && memberOf(a, e) }},
	core.OpNotIn:      {fragment: membership(true), eval: func(a any, ok bool, e any) bool { return !ok || !memberOf(a, e) }},
	core.OpContains:   {fragment: function("contains"), eval: evalContains},
	core.OpStartsWith: {fragment: function("begins_with"), eval: stringTest(strings.HasPrefix)},
	core.OpEndsWith:   {eval: stringTest(strings.HasSuffix)},
}

// lookup returns the table row for op
func lookup(op core.Operator) (operatorSpec, error) {
	spec, ok := operatorTable[op]
	if !ok {
		return operatorSpec{}, fmt.Errorf("%w: %s", dynaplanErrors.ErrInvalidOperator, op)
	}
	return spec, nil
}

// Supported reports whether op is in the operator table
func Supported(op core.Operator) bool {
	_, ok := operatorTable[op]
	return ok
}

// RequiresClientFilter reports whether op lacks a push-down form. Unknown
// operators report false; they fail when compiled or evaluated.
func RequiresClientFilter(op core.Operator) bool {
	spec, ok := operatorTable[op]
	return ok && spec.fragment == nil
}

// Fragment renders the push-down fragment for a single predicate
func (b *Builder) Fragment(p core.Predicate) (string, error) {
	spec, err := lookup(p.Operator)
	if err != nil {
		return "", err
	}
	if spec.fragment == nil {
		return "", fmt.Errorf("%w: %s has no push-down form", dynaplanErrors.ErrInvalidOperator, p.Operator)
	}
	return spec.fragment(b, b.Name(p.Field), p.Value)
}

func comparator(symbol string) fragmentFunc {
	return func(b *Builder, name string, value any) (string, error) {
		ref, err := b.Value(value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", name, symbol, ref), nil
	}
}

func function(fn string) fragmentFunc {
	return func(b *Builder, name string, value any) (string, error) {
		ref, err := b.Value(value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s(%s, %s)", fn, name, ref), nil
	}
}

func membership(negate bool) fragmentFunc {
	return func(b *Builder, name string, value any) (string, error) {
		values := ToSlice(value)
		if len(values) == 0 {
			return "", fmt.Errorf("%w: membership requires at least one value", dynaplanErrors.ErrInvalidValue)
		}
		if len(values) > maxInValues {
			return "", fmt.Errorf("%w: IN supports at most %d values", dynaplanErrors.ErrInvalidValue, maxInValues)
		}
		refs := make([]string, len(values))
		for i, v := range values {
			ref, err := b.Value(v)
			if err != nil {
				return "", err
			}
			refs[i] = ref
		}
		fragment := fmt.Sprintf("%s IN (%s)", name, strings.Join(refs, ", "))
		if negate {
			return "NOT (" + fragment + ")", nil
		}
		return fragment, nil
	}
}

func ordered(test func(int) bool) evalFunc {
	return func(a any, ok bool, e any) bool {
		if !ok {
			return false
		}
		c, known := Compare(a, e)
		return known && test(c)
	}
}

func stringTest(test func(s, affix string) bool) evalFunc {
	return func(a any, ok bool, e any) bool {
		s, isString := a.(string)
		affix, affixString := e.(string)
		return ok && isString && affixString && test(s, affix)
	}
}

func evalContains(a any, ok bool, e any) bool {
	if !ok {
		return false
	}
	if s, isString := a.(string); isString {
		sub, subString := e.(string)
		return subString && strings.Contains(s, sub)
	}
	if !IsSlice(a) {
		return false
	}
	for _, item := range ToSlice(a) {
		if Equal(item, e) {
			return true
		}
	}
	return false
}

func memberOf(a, e any) bool {
	for _, candidate := range ToSlice(e) {
		if Equal(a, candidate) {
			return true
		}
	}
	return false
}

// ToSlice returns v's elements when v is a slice or array, or v itself as a single-element list
func ToSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string, []byte:
		return []any{v}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// IsSlice reports whether v is a list value (not a string or byte slice)
func IsSlice(v any) bool {
	switch v.(type) {
	case nil, string, []byte:
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
