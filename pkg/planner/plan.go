package planner

import (
	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/index"
	"github.com/pay-theory/dynaplan/pkg/validation"
)

// Build constructs a query plan for req. The plan is valid for a single
// execution and holds no reference to the request.
func Build(catalog *core.Catalog, req core.Request) (*core.Plan, error) {
	if catalog == nil {
		return nil, dynaplanErrors.ErrMissingCatalog
	}
	schema, ok := catalog.Model(req.Model)
	if !ok {
		return nil, dynaplanErrors.NewError("plan", req.Model, dynaplanErrors.ErrUnknownModel)
	}

	predicates := Normalize(req.Where)
	for _, p := range predicates {
		if !expr.Supported(p.Operator) {
			return nil, dynaplanErrors.NewError("plan", req.Model,
				dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidOperator, "%q on field %s", p.Operator, p.Field))
		}
	}
	if err := validateRequest(req, predicates); err != nil {
		return nil, dynaplanErrors.NewError("plan", req.Model, err)
	}

	plan := &core.Plan{
		Model:          schema.Name,
		Table:          schema.TableName(),
		PrimaryKey:     schema.PrimaryKey,
		Predicates:     predicates,
		Limit:          nonNegative(req.Limit),
		Offset:         nonNegative(req.Offset),
		ScanForward:    true,
		HasOrConnector: HasOr(predicates),
		HasClientOnly:  HasClientOnly(predicates),
	}
	if req.SortBy != nil {
		sort := *req.SortBy
		plan.Sort = &sort
	}
	if len(req.Select) > 0 {
		plan.Projection = append([]string(nil), req.Select...)
	}

	res := resolveBase(schema, predicates, req.SortBy)
	plan.Strategy = res.strategy
	plan.Residual = residual(predicates, res)

	if res.choice != nil {
		kc := &core.KeyCondition{
			IndexName: res.choice.Index.Name,
			Partition: predicates[res.choice.Partition],
		}
		if res.choice.Sort >= 0 {
			sortPred := predicates[res.choice.Sort]
			kc.Sort = &sortPred
		}
		plan.KeyCondition = kc
	}
	if res.batchAt >= 0 {
		plan.BatchKeys = distinct(expr.ToSlice(predicates[res.batchAt].Value))
	}

	if req.SortBy != nil {
		if res.choice != nil && index.SortPushdown(res.choice.Index, req.SortBy) {
			plan.SortPushedDown = true
			plan.ScanForward = !req.SortBy.Descending
		} else {
			plan.NeedsClientSort = true
		}
	}

	joins, err := buildJoins(catalog, schema, req.Join)
	if err != nil {
		return nil, err
	}
	plan.Joins = joins

	return plan, nil
}

func validateRequest(req core.Request, predicates []core.Predicate) error {
	for _, p := range predicates {
		if err := validation.ValidateFieldPath(p.Field); err != nil {
			return err
		}
		if err := validation.ValidateValue(p.Value); err != nil {
			return err
		}
	}
	for _, f := range req.Select {
		if err := validation.ValidateFieldPath(f); err != nil {
			return err
		}
	}
	if req.SortBy != nil {
		return validation.ValidateFieldPath(req.SortBy.Field)
	}
	return nil
}

// residual returns the predicates not consumed by the key condition or batch keys
func residual(predicates []core.Predicate, res resolution) []core.Predicate {
	consumed := map[int]bool{}
	if res.choice != nil {
		consumed[res.choice.Partition] = true
		if res.choice.Sort >= 0 {
			consumed[res.choice.Sort] = true
		}
	}
	if res.batchAt >= 0 {
		consumed[res.batchAt] = true
	}

	var out []core.Predicate
	for i, p := range predicates {
		if !consumed[i] {
			out = append(out, p)
		}
	}
	return out
}

func buildJoins(catalog *core.Catalog, base core.ModelSchema, requests []core.JoinRequest) ([]core.JoinSpec, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	joins := make([]core.JoinSpec, 0, len(requests))
	for _, jr := range requests {
		target, ok := catalog.Model(jr.Model)
		if !ok {
			return nil, dynaplanErrors.NewError("plan join", jr.Model, dynaplanErrors.ErrUnknownModel)
		}

		spec := core.JoinSpec{
			Model:       target.Name,
			Table:       target.TableName(),
			PrimaryKey:  target.PrimaryKey,
			As:          jr.As,
			Cardinality: jr.Cardinality,
			FromField:   jr.From,
			ToField:     jr.To,
			Limit:       nonNegative(jr.Limit),
		}
		if spec.As == "" {
			spec.As = target.Name
		}
		if spec.Cardinality == "" {
			spec.Cardinality = core.OneToMany
		}
		if spec.Cardinality != core.OneToOne && spec.Cardinality != core.OneToMany {
			return nil, dynaplanErrors.NewError("plan join", jr.Model,
				dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidValue, "cardinality %q", jr.Cardinality))
		}
		if spec.FromField == "" {
			spec.FromField = base.PrimaryKey.PartitionKey
		}
		if spec.ToField == "" {
			spec.ToField = target.PrimaryKey.PartitionKey
		}
		for _, f := range []string{spec.FromField, spec.ToField, spec.As} {
			if err := validation.ValidateFieldPath(f); err != nil {
				return nil, dynaplanErrors.NewError("plan join", jr.Model, err)
			}
		}
		// Resolved again at execution time once the value count is known
		spec.Strategy = ResolveJoinStrategy(target, spec.ToField, 1)
		joins = append(joins, spec)
	}
	return joins, nil
}

// distinct removes duplicate key values, keeping first-seen order
func distinct(values []any) []any {
	seen := make(map[string]bool, len(values))
	out := make([]any, 0, len(values))
	for _, v := range values {
		k := core.KeyString(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
