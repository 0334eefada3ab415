// Package query executes query plans against the store: keyed queries, scans
// and batched point-gets, followed by client filtering, sorting, slicing,
// join resolution and projection.
package query

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/store"
)

// DefaultMaxScanPages is the scan page budget used when none is configured
const DefaultMaxScanPages = 100

// Reader issues single query and scan pages. *store.Store implements it.
type Reader interface {
	QueryPage(ctx context.Context, in store.QueryInput) (*store.Page, error)
	ScanPage(ctx context.Context, in store.ScanInput) (*store.Page, error)
}

// BatchLoader resolves point lookups by key. *loader.Loader implements it.
type BatchLoader interface {
	LoadMany(ctx context.Context, table, keyField string, keys []any) ([]core.Record, error)
}

// Options configures an Executor
type Options struct {
	// PageSize is sent as the per-page item limit; 0 leaves it to the store
	PageSize int
	// MaxScanPages bounds every scan; exceeding it fails unless Unbounded
	MaxScanPages int
	Unbounded    bool
	// JoinConcurrency > 1 runs per-value join queries on a bounded pool
	JoinConcurrency int
	Logger          zerolog.Logger
}

// Executor runs query plans. Plans and results are per call; the executor
// holds only its dependencies.
type Executor struct {
	catalog *core.Catalog
	reader  Reader
	loader  BatchLoader
	pool    *ants.Pool
	opts    Options
}

// New creates an Executor
func New(catalog *core.Catalog, reader Reader, loader BatchLoader, opts Options) (*Executor, error) {
	if catalog == nil {
		return nil, dynaplanErrors.ErrMissingCatalog
	}
	if reader == nil || loader == nil {
		return nil, dynaplanErrors.ErrMissingClient
	}
	if opts.MaxScanPages <= 0 {
		opts.MaxScanPages = DefaultMaxScanPages
	}

	e := &Executor{catalog: catalog, reader: reader, loader: loader, opts: opts}
	if opts.JoinConcurrency > 1 {
		pool, err := ants.NewPool(opts.JoinConcurrency, ants.WithPanicHandler(func(v any) {
			opts.Logger.Error().Interface("panic", v).Msg("join worker panic")
		}))
		if err != nil {
			return nil, dynaplanErrors.NewError("new executor", "", dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidConfig, "join pool: %v", err))
		}
		e.pool = pool
	}
	return e, nil
}

// Close releases the join worker pool
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// Execute runs plan and returns the resulting records
func (e *Executor) Execute(ctx context.Context, plan *core.Plan) ([]core.Record, error) {
	logger := e.opts.Logger.With().Str("model", plan.Model).Str("strategy", plan.Strategy.String()).Logger()
	logger.Debug().
		Int("predicates", len(plan.Predicates)).
		Bool("clientFilter", plan.RequiresClientFilter()).
		Bool("clientSort", plan.NeedsClientSort).
		Int("fetchLimit", plan.FetchLimit()).
		Msg("executing plan")

	records, err := e.fetch(ctx, plan, pushdownFields(plan), plan.FetchLimit())
	if err != nil {
		return nil, err
	}

	if plan.RequiresClientFilter() {
		records = filterRecords(records, plan.Predicates)
	}
	if plan.NeedsClientSort && plan.Sort != nil {
		expr.SortRecords(records, plan.Sort.Field, plan.Sort.Descending)
	}
	records = slice(records, plan.Offset, plan.Limit)

	for _, j := range plan.Joins {
		if err := e.resolveJoin(ctx, j, records); err != nil {
			return nil, err
		}
	}

	return project(records, plan), nil
}

// Count returns how many records match plan, ignoring its limit and offset
func (e *Executor) Count(ctx context.Context, plan *core.Plan) (int, error) {
	counted := *plan
	counted.Limit, counted.Offset = 0, 0
	counted.NeedsClientSort = false

	records, err := e.fetch(ctx, &counted, keyFields(&counted), 0)
	if err != nil {
		return 0, err
	}
	if counted.RequiresClientFilter() {
		records = filterRecords(records, counted.Predicates)
	}
	return len(records), nil
}

// fetch reads the base records for plan, stopping once limit records (when
// positive) have been collected
func (e *Executor) fetch(ctx context.Context, plan *core.Plan, projection []string, limit int) ([]core.Record, error) {
	switch plan.Strategy.Kind {
	case core.StrategyPrimaryKeyQuery, core.StrategySecondaryIndexQuery:
		if plan.KeyCondition == nil {
			return nil, dynaplanErrors.NewError("execute", plan.Model, dynaplanErrors.ErrMissingKeyCondition)
		}
		return e.query(ctx, store.QueryInput{
			Table:        plan.Table,
			KeyCondition: plan.KeyCondition,
			Filter:       serverFilter(plan.Residual),
			Projection:   projection,
			ScanForward:  plan.ScanForward,
		}, limit)

	case core.StrategyBatchGet:
		loaded, err := e.loader.LoadMany(ctx, plan.Table, plan.PrimaryKey.PartitionKey, plan.BatchKeys)
		if err != nil {
			return nil, err
		}
		records := make([]core.Record, 0, len(loaded))
		for _, r := range loaded {
			if r != nil {
				records = append(records, r)
			}
		}
		return records, nil

	case core.StrategyScan:
		return e.scan(ctx, store.ScanInput{
			Table:      plan.Table,
			Filter:     serverFilter(plan.Predicates),
			Projection: projection,
		}, limit, 0)
	}

	return nil, dynaplanErrors.NewError("execute", plan.Model,
		dynaplanErrors.Errorf(dynaplanErrors.ErrMissingKeyCondition, "strategy %s cannot run as a base query", plan.Strategy))
}

// query pages through a keyed query sequentially
func (e *Executor) query(ctx context.Context, in store.QueryInput, limit int) ([]core.Record, error) {
	var (
		out   []core.Record
		start map[string]types.AttributeValue
	)
	for {
		in.StartKey = start
		in.Limit = e.pageLimit(limit-len(out), limit > 0 && len(in.Filter) == 0)
		page, err := e.reader.QueryPage(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if !page.HasMore() {
			return out, nil
		}
		start = page.LastKey
	}
}

// scan pages through a scan, bounded by the page budget. perPage, when
// positive, overrides the page limit.
func (e *Executor) scan(ctx context.Context, in store.ScanInput, limit, perPage int) ([]core.Record, error) {
	var (
		out   []core.Record
		start map[string]types.AttributeValue
	)
	for pages := 1; ; pages++ {
		in.StartKey = start
		in.Limit = e.pageLimit(limit-len(out), limit > 0 && len(in.Filter) == 0)
		if perPage > 0 {
			in.Limit = perPage
		}
		page, err := e.reader.ScanPage(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if !page.HasMore() {
			e.opts.Logger.Debug().Str("table", in.Table).Int("pages", pages).Int("items", len(out)).Msg("scan complete")
			return out, nil
		}
		if pages >= e.opts.MaxScanPages && !e.opts.Unbounded {
			return nil, dynaplanErrors.NewErrorWithContext("scan", in.Table,
				dynaplanErrors.Errorf(dynaplanErrors.ErrScanPageLimitExceeded, "more results after %d pages", pages),
				map[string]any{"pages": pages, "items": len(out)})
		}
		start = page.LastKey
	}
}

// pageLimit returns the per-page item limit. When the request has no server
// filter the remaining item budget can cap the page.
func (e *Executor) pageLimit(remaining int, capByRemaining bool) int {
	size := e.opts.PageSize
	if capByRemaining && remaining > 0 && (size == 0 || remaining < size) {
		size = remaining
	}
	return size
}

// serverFilter returns the predicates that can be pushed to the store. AND
// predicates are pushed individually; the OR group only when every member
// has a push-down form, since the filter is (AND group) AND (OR group).
func serverFilter(predicates []core.Predicate) []core.Predicate {
	var ands, ors []core.Predicate
	orPushable := true
	for _, p := range predicates {
		if p.Connector == core.Or {
			ors = append(ors, p)
			if p.RequiresClientFilter {
				orPushable = false
			}
			continue
		}
		if !p.RequiresClientFilter {
			ands = append(ands, p)
		}
	}
	if orPushable {
		ands = append(ands, ors...)
	}
	return ands
}

func filterRecords(records []core.Record, predicates []core.Predicate) []core.Record {
	out := records[:0:0]
	for _, r := range records {
		if expr.Evaluate(r, predicates) {
			out = append(out, r)
		}
	}
	return out
}

func slice(records []core.Record, offset, limit int) []core.Record {
	if offset > 0 {
		if offset >= len(records) {
			return []core.Record{}
		}
		records = records[offset:]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
