package planner

import (
	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/index"
)

// resolution is a resolved base strategy together with the predicates it consumes
type resolution struct {
	strategy core.Strategy
	choice   *index.Choice // set for key-condition strategies
	batchAt  int           // position of the membership predicate for BatchGet, or -1
}

// ResolveBaseStrategy chooses the access strategy for a base query:
//  1. any OR connector → Scan
//  2. equality on the primary key → PrimaryKeyQuery
//  3. equality on a field with a secondary index, first in input order → SecondaryIndexQuery
//  4. membership on the primary key with a list value → BatchGet
//  5. otherwise → Scan
func ResolveBaseStrategy(catalog *core.Catalog, model string, predicates []core.Predicate) (core.Strategy, error) {
	schema, ok := catalog.Model(model)
	if !ok {
		return core.Strategy{}, dynaplanErrors.Errorf(dynaplanErrors.ErrUnknownModel, "%s", model)
	}
	return resolveBase(schema, predicates, nil).strategy, nil
}

func resolveBase(schema core.ModelSchema, predicates []core.Predicate, sort *core.SortSpec) resolution {
	scan := resolution{strategy: core.Scan(), batchAt: -1}
	if HasOr(predicates) {
		return scan
	}

	selector := index.NewSelector(schema)
	pk := schema.PrimaryKey.PartitionKey

	for i, p := range predicates {
		if p.Field == pk && isEquality(p) {
			choice := selector.ForPrimaryKey(predicates, i)
			return resolution{strategy: core.PrimaryKeyQuery(), choice: &choice, batchAt: -1}
		}
	}

	for i, p := range predicates {
		if p.Field == pk || !isEquality(p) {
			continue
		}
		if choice, ok := selector.ForSecondaryField(predicates, i, sort); ok {
			return resolution{strategy: core.SecondaryIndexQuery(choice.Index.Name), choice: &choice, batchAt: -1}
		}
	}

	// Point gets need the full key, so tables with a sort key fall through to Scan
	if schema.PrimaryKey.SortKey == "" {
		for i, p := range predicates {
			if p.Field == pk && p.Operator == core.OpIn && expr.IsSlice(p.Value) {
				return resolution{strategy: core.BatchGet(), batchAt: i}
			}
		}
	}

	return scan
}

// ResolveJoinStrategy chooses how related records of target are fetched for
// distinct correlation values on toField. It follows the base precedence and
// promotes to a fan-out strategy when there is more than one value: a primary
// key becomes BatchGet (or per-value queries when the target has a sort key)
// and a secondary index becomes MultiQuery.
func ResolveJoinStrategy(target core.ModelSchema, toField string, distinct int) core.Strategy {
	if toField == target.PrimaryKey.PartitionKey {
		switch {
		case distinct <= 1:
			return core.PrimaryKeyQuery()
		case target.PrimaryKey.SortKey == "":
			return core.BatchGet()
		default:
			return core.MultiQuery(index.PrimaryIndex, toField)
		}
	}

	for _, idx := range target.Indexes {
		if idx.PartitionKey != toField {
			continue
		}
		if distinct <= 1 {
			return core.SecondaryIndexQuery(idx.Name)
		}
		return core.MultiQuery(idx.Name, toField)
	}

	return core.Scan()
}

func isEquality(p core.Predicate) bool {
	return p.Operator == core.OpEq && !expr.IsSlice(p.Value)
}
