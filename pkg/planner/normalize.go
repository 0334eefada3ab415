// Package planner turns record-query requests into query plans over an index catalog
package planner

import (
	"strings"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
)

// Normalize canonicalizes raw predicates. The operator defaults to eq and the
// connector to AND; neither is validated here.
func Normalize(raw []core.Where) []core.Predicate {
	if len(raw) == 0 {
		return nil
	}
	predicates := make([]core.Predicate, len(raw))
	for i, w := range raw {
		predicates[i] = normalizeOne(w)
	}
	return predicates
}

func normalizeOne(w core.Where) core.Predicate {
	op := core.Operator(strings.ToLower(strings.TrimSpace(w.Operator)))
	if op == "" {
		op = core.OpEq
	}
	return core.Predicate{
		Field:                w.Field,
		Operator:             op,
		Value:                w.Value,
		Connector:            core.ParseConnector(w.Connector),
		RequiresClientFilter: expr.RequiresClientFilter(op),
	}
}

// HasOr reports whether any predicate is OR-connected
func HasOr(predicates []core.Predicate) bool {
	for _, p := range predicates {
		if p.Connector == core.Or {
			return true
		}
	}
	return false
}

// HasClientOnly reports whether any predicate must be evaluated in memory
func HasClientOnly(predicates []core.Predicate) bool {
	for _, p := range predicates {
		if p.RequiresClientFilter {
			return true
		}
	}
	return false
}
