package expr

import (
	"reflect"
	"sort"
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
)

// Evaluate reports whether record satisfies predicates, grouping them the same
// way BuildFilter does: every AND predicate must hold and, when OR predicates
// exist, at least one of them must hold. An unknown operator evaluates to false.
func Evaluate(record core.Record, predicates []core.Predicate) bool {
	anyOr := false
	orMatched := false
	for _, p := range predicates {
		if p.Connector == core.Or {
			anyOr = true
			if !orMatched && Matches(record, p) {
				orMatched = true
			}
			continue
		}
		if !Matches(record, p) {
			return false
		}
	}
	return !anyOr || orMatched
}

// Matches evaluates a single predicate against record
func Matches(record core.Record, p core.Predicate) bool {
	spec, err := lookup(p.Operator)
	if err != nil {
		return false
	}
	actual, present := Lookup(record, p.Field)
	return spec.eval(actual, present, p.Value)
}

// Lookup resolves a possibly dotted field path in record
func Lookup(record core.Record, field string) (any, bool) {
	if v, ok := record[field]; ok {
		return v, !core.IsUndefined(v)
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	var current any = record
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok || core.IsUndefined(current) {
			return nil, false
		}
	}
	return current, true
}

// Equal compares two plain values structurally. Numbers compare by value
// regardless of Go type; maps and lists compare element-wise.
func Equal(a, b any) bool {
	if fa, ok := core.ToFloat(a); ok {
		fb, ok := core.ToFloat(b)
		return ok && fa == fb
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	if IsSlice(a) {
		if !IsSlice(b) {
			return false
		}
		xs, ys := ToSlice(a), ToSlice(b)
		if len(xs) != len(ys) {
			return false
		}
		for i := range xs {
			if !Equal(xs[i], ys[i]) {
				return false
			}
		}
		return true
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta.Comparable() && a == b
}

// Compare orders two values of the same kind. The second result is false when
// the values are not mutually comparable (mixed types, lists, maps, nil).
func Compare(a, b any) (int, bool) {
	if fa, ok := core.ToFloat(a); ok {
		fb, ok := core.ToFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// SortRecords stable-sorts records by field. Records missing the field, or whose
// values cannot be compared, keep their relative order after comparable ones.
func SortRecords(records []core.Record, field string, descending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		a, aok := Lookup(records[i], field)
		b, bok := Lookup(records[j], field)
		if !aok || !bok {
			return aok && !bok
		}
		c, known := Compare(a, b)
		if !known {
			return false
		}
		if descending {
			return c > 0
		}
		return c < 0
	})
}
