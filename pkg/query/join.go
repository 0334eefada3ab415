package query

import (
	"context"
	"sync"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/planner"
	"github.com/pay-theory/dynaplan/pkg/store"
)

// maxFilterValues is the largest IN list pushed to a join scan
const maxFilterValues = 100

// resolveJoin fetches the records related to base through j and attaches
// them under j.As. Base records are replaced by copies.
func (e *Executor) resolveJoin(ctx context.Context, j core.JoinSpec, base []core.Record) error {
	values := correlationValues(base, j.FromField)
	if len(values) == 0 {
		attach(base, j, nil)
		return nil
	}

	target, ok := e.catalog.Model(j.Model)
	if !ok {
		return dynaplanErrors.NewError("join", j.Model, dynaplanErrors.ErrUnknownModel)
	}
	strategy := planner.ResolveJoinStrategy(target, j.ToField, len(values))
	e.opts.Logger.Debug().
		Str("join", j.As).
		Str("model", j.Model).
		Str("strategy", strategy.String()).
		Int("values", len(values)).
		Msg("resolving join")

	related, err := e.fetchRelated(ctx, j, strategy, values)
	if err != nil {
		return err
	}

	groups := make(map[string][]core.Record, len(values))
	for _, r := range related {
		v, ok := expr.Lookup(r, j.ToField)
		if !ok {
			continue
		}
		k := core.KeyString(v)
		groups[k] = append(groups[k], r)
	}
	attach(base, j, groups)
	return nil
}

func (e *Executor) fetchRelated(ctx context.Context, j core.JoinSpec, strategy core.Strategy, values []any) ([]core.Record, error) {
	perValue := perValueLimit(j)

	switch strategy.Kind {
	case core.StrategyBatchGet:
		loaded, err := e.loader.LoadMany(ctx, j.Table, j.ToField, values)
		if err != nil {
			return nil, err
		}
		related := make([]core.Record, 0, len(loaded))
		for _, r := range loaded {
			if r != nil {
				related = append(related, r)
			}
		}
		return related, nil

	case core.StrategyPrimaryKeyQuery, core.StrategySecondaryIndexQuery:
		return e.query(ctx, joinQuery(j, strategy.IndexName, values[0]), perValue)

	case core.StrategyMultiQuery:
		return e.fanOut(ctx, j, strategy.IndexName, values, perValue)
	}

	in := store.ScanInput{Table: j.Table}
	if len(values) <= maxFilterValues {
		in.Filter = []core.Predicate{{Field: j.ToField, Operator: core.OpIn, Value: values, Connector: core.And}}
	}
	limit := 0
	if len(values) == 1 {
		limit = perValue
	}
	return e.scan(ctx, in, limit, 0)
}

// fanOut runs one query per value and concatenates the results in value
// order. Queries run on the worker pool when one is configured.
func (e *Executor) fanOut(ctx context.Context, j core.JoinSpec, indexName string, values []any, perValue int) ([]core.Record, error) {
	results := make([][]core.Record, len(values))
	errs := make([]error, len(values))
	run := func(i int) {
		results[i], errs[i] = e.query(ctx, joinQuery(j, indexName, values[i]), perValue)
	}

	if e.pool == nil {
		for i := range values {
			if run(i); errs[i] != nil {
				return nil, errs[i]
			}
		}
	} else {
		var wg sync.WaitGroup
		for i := range values {
			wg.Add(1)
			if err := e.pool.Submit(func() {
				defer wg.Done()
				run(i)
			}); err != nil {
				errs[i] = err
				wg.Done()
			}
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}

	var related []core.Record
	for _, r := range results {
		related = append(related, r...)
	}
	return related, nil
}

func joinQuery(j core.JoinSpec, indexName string, value any) store.QueryInput {
	return store.QueryInput{
		Table: j.Table,
		KeyCondition: &core.KeyCondition{
			IndexName: indexName,
			Partition: core.Predicate{Field: j.ToField, Operator: core.OpEq, Value: value, Connector: core.And},
		},
		ScanForward: true,
	}
}

func perValueLimit(j core.JoinSpec) int {
	if j.Cardinality == core.OneToOne {
		return 1
	}
	return j.Limit
}

// correlationValues returns the distinct non-null values of field, in order
func correlationValues(records []core.Record, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, r := range records {
		v, ok := expr.Lookup(r, field)
		if !ok || v == nil || expr.IsSlice(v) {
			continue
		}
		k := core.KeyString(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		values = append(values, v)
	}
	return values
}

// attach stores the related records of each base record under j.As: the
// first match (or nil) for one-to-one, up to j.Limit matches for one-to-many
func attach(base []core.Record, j core.JoinSpec, groups map[string][]core.Record) {
	for i, r := range base {
		var matches []core.Record
		if v, ok := expr.Lookup(r, j.FromField); ok && v != nil {
			matches = groups[core.KeyString(v)]
		}

		out := make(core.Record, len(r)+1)
		for k, v := range r {
			out[k] = v
		}
		if j.Cardinality == core.OneToOne {
			if len(matches) > 0 {
				out[j.As] = matches[0]
			} else {
				out[j.As] = nil
			}
		} else {
			if j.Limit > 0 && len(matches) > j.Limit {
				matches = matches[:j.Limit]
			}
			list := make([]core.Record, len(matches))
			copy(list, matches)
			out[j.As] = list
		}
		base[i] = out
	}
}
