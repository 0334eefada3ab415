package planner

import (
	"fmt"
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
)

const (
	// BatchGetMaxKeys is the store's limit on keys per batched point-get
	BatchGetMaxKeys = 100

	// DefaultPageSize is the page size assumed when estimating paginated reads
	DefaultPageSize = 1000
)

// Estimate carries the volume assumptions used to count store commands
type Estimate struct {
	Items    int // items read by the base strategy
	PageSize int // items per query or scan page
}

// CommandCounts is the estimated number of store commands per kind
type CommandCounts struct {
	Query        int
	Scan         int
	BatchGetItem int
}

// Total returns the sum of all commands
func (c CommandCounts) Total() int {
	return c.Query + c.Scan + c.BatchGetItem
}

// EstimateCommands counts the store commands plan is expected to issue. Every
// base item is assumed to carry a distinct correlation value, and a join scan
// is counted as a single page.
func EstimateCommands(catalog *core.Catalog, plan *core.Plan, est Estimate) CommandCounts {
	var counts CommandCounts
	pageSize := est.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	items := est.Items

	switch plan.Strategy.Kind {
	case core.StrategyBatchGet:
		counts.BatchGetItem = chunks(len(plan.BatchKeys), BatchGetMaxKeys)
		items = len(plan.BatchKeys)
	case core.StrategyPrimaryKeyQuery, core.StrategySecondaryIndexQuery:
		counts.Query = pages(items, pageSize, plan.FetchLimit())
	default:
		counts.Scan = pages(items, pageSize, plan.FetchLimit())
	}

	values := items
	if plan.Limit > 0 && values > plan.Limit {
		values = plan.Limit
	}
	if values <= 0 {
		return counts
	}

	for _, j := range plan.Joins {
		strategy := j.Strategy
		if target, ok := catalog.Model(j.Model); ok {
			strategy = ResolveJoinStrategy(target, j.ToField, values)
		}
		switch strategy.Kind {
		case core.StrategyBatchGet:
			counts.BatchGetItem += chunks(values, BatchGetMaxKeys)
		case core.StrategyMultiQuery:
			counts.Query += values
		case core.StrategyPrimaryKeyQuery, core.StrategySecondaryIndexQuery:
			counts.Query++
		default:
			counts.Scan++
		}
	}
	return counts
}

func chunks(n, size int) int {
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// pages returns the number of pages needed to read items, stopping early once
// limit items (when positive) have been read
func pages(items, pageSize, limit int) int {
	if limit > 0 && items > limit {
		items = limit
	}
	if items <= 0 {
		return 1
	}
	return chunks(items, pageSize)
}

// Explain renders a human-readable description of plan: strategy, key
// condition, filter, sort and limit stages, joins and estimated command counts.
func Explain(catalog *core.Catalog, plan *core.Plan, est Estimate) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "model:      %s (table %s)\n", plan.Model, plan.Table)
	fmt.Fprintf(&sb, "strategy:   %s\n", plan.Strategy)

	if kc := plan.KeyCondition; kc != nil {
		name := kc.IndexName
		if name == "" {
			name = "primary"
		}
		fmt.Fprintf(&sb, "key:        %s", kc.Partition)
		if kc.Sort != nil {
			fmt.Fprintf(&sb, " AND %s", kc.Sort)
		}
		fmt.Fprintf(&sb, " [%s]\n", name)
	}
	if plan.Strategy.Kind == core.StrategyBatchGet {
		fmt.Fprintf(&sb, "keys:       %d distinct\n", len(plan.BatchKeys))
	}

	switch {
	case len(plan.Residual) == 0:
		sb.WriteString("filter:     none\n")
	case plan.RequiresClientFilter():
		fmt.Fprintf(&sb, "filter:     client %s\n", renderPredicates(plan.Residual))
	default:
		fmt.Fprintf(&sb, "filter:     server %s\n", renderPredicates(plan.Residual))
	}

	if plan.Sort != nil {
		direction := "asc"
		if plan.Sort.Descending {
			direction = "desc"
		}
		where := "client (full materialization)"
		if plan.SortPushedDown {
			where = "index"
		}
		fmt.Fprintf(&sb, "sort:       %s %s, %s\n", plan.Sort.Field, direction, where)
	}

	if plan.Limit > 0 || plan.Offset > 0 {
		fetch := "unbounded"
		if n := plan.FetchLimit(); n > 0 {
			fetch = fmt.Sprintf("%d", n)
		}
		fmt.Fprintf(&sb, "limit:      %d offset %d, server fetch %s\n", plan.Limit, plan.Offset, fetch)
	}

	if len(plan.Projection) > 0 {
		fmt.Fprintf(&sb, "select:     %s\n", strings.Join(plan.Projection, ", "))
	}

	for _, j := range plan.Joins {
		fmt.Fprintf(&sb, "join:       %s as %s (%s) on %s = %s.%s, %s",
			j.Model, j.As, j.Cardinality, j.FromField, j.Model, j.ToField, j.Strategy)
		if j.Limit > 0 {
			fmt.Fprintf(&sb, " limit %d", j.Limit)
		}
		sb.WriteByte('\n')
	}

	counts := EstimateCommands(catalog, plan, est)
	fmt.Fprintf(&sb, "commands:   query=%d scan=%d batchGet=%d total=%d\n",
		counts.Query, counts.Scan, counts.BatchGetItem, counts.Total())

	return sb.String()
}

func renderPredicates(predicates []core.Predicate) string {
	var ands, ors []string
	for _, p := range predicates {
		if p.Connector == core.Or {
			ors = append(ors, p.String())
		} else {
			ands = append(ands, p.String())
		}
	}
	var groups []string
	if len(ands) > 0 {
		groups = append(groups, "("+strings.Join(ands, " AND ")+")")
	}
	if len(ors) > 0 {
		groups = append(groups, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(groups, " AND ")
}
