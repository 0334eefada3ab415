// Package dynaplan plans and executes record queries against DynamoDB tables.
// Each call is planned against an index catalog, run with the cheapest access
// strategy available and finished in memory where the store cannot help.
package dynaplan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/config"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/loader"
	"github.com/pay-theory/dynaplan/pkg/logger"
	"github.com/pay-theory/dynaplan/pkg/planner"
	"github.com/pay-theory/dynaplan/pkg/query"
	"github.com/pay-theory/dynaplan/pkg/session"
	"github.com/pay-theory/dynaplan/pkg/store"
	"github.com/pay-theory/dynaplan/pkg/transaction"
)

// Re-export types for convenience
type (
	Record      = core.Record
	Request     = core.Request
	Where       = core.Where
	SortSpec    = core.SortSpec
	JoinRequest = core.JoinRequest
	Config      = config.Config
)

// DB is the host adapter surface: every call is planned and executed
// independently against the configured catalog
type DB struct {
	cfg      *config.Config
	catalog  *core.Catalog
	store    *store.Store
	loader   *loader.Loader
	executor *query.Executor
	logger   zerolog.Logger
}

// Option customizes a DB
type Option func(*DB)

// WithLogger replaces the logger built from the logging config
func WithLogger(l zerolog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// New connects to DynamoDB using cfg.AWS
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	sess, err := session.NewSession(ctx, session.FromAWS(cfg.AWS))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	client, err := sess.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return NewWithClient(client, cfg, opts...)
}

// NewWithClient builds a DB over an existing client
func NewWithClient(client store.DynamoDBAPI, cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	db := &DB{cfg: cfg, catalog: catalog, logger: logger.Configure(cfg.Logging)}
	for _, opt := range opts {
		opt(db)
	}

	db.store, err = store.New(client, store.WithLogger(db.logger))
	if err != nil {
		return nil, err
	}

	loaderOpts := loader.Options{
		Window:       cfg.Batch.Window,
		MaxBatchSize: cfg.Batch.MaxSize,
		Retry: &loader.RetryPolicy{
			MaxRetries:    cfg.Batch.MaxRetries,
			InitialDelay:  cfg.Batch.InitialDelay,
			MaxDelay:      cfg.Batch.MaxDelay,
			BackoffFactor: cfg.Batch.BackoffFactor,
			Jitter:        cfg.Batch.Jitter,
		},
		Logger: db.logger,
	}
	if cfg.Batch.RequestsPerSecond > 0 {
		loaderOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.Batch.RequestsPerSecond), 1)
	}
	db.loader, err = loader.New(db.store, loaderOpts)
	if err != nil {
		return nil, err
	}

	db.executor, err = query.New(catalog, db.store, db.loader, query.Options{
		PageSize:        cfg.Scan.PageSize,
		MaxScanPages:    cfg.Scan.MaxPages,
		Unbounded:       cfg.Scan.Unbounded,
		JoinConcurrency: cfg.Join.Concurrency,
		Logger:          db.logger,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases the join worker pool
func (db *DB) Close() error {
	db.executor.Close()
	return nil
}

// Catalog returns the index catalog
func (db *DB) Catalog() *core.Catalog {
	return db.catalog
}

// Loader returns the shared batch loader for direct point lookups
func (db *DB) Loader() *loader.Loader {
	return db.loader
}

// Plan builds the query plan for req without executing it
func (db *DB) Plan(req Request) (*core.Plan, error) {
	return planner.Build(db.catalog, req)
}

// Explain renders the plan for req with command counts for an estimated
// table size
func (db *DB) Explain(req Request, est planner.Estimate) (string, error) {
	plan, err := db.Plan(req)
	if err != nil {
		return "", err
	}
	if est.PageSize == 0 {
		est.PageSize = db.cfg.Scan.PageSize
	}
	return planner.Explain(db.catalog, plan, est), nil
}

// Create stores data as a new record of model and returns it
func (db *DB) Create(ctx context.Context, model string, data Record) (Record, error) {
	schema, err := db.model(model)
	if err != nil {
		return nil, err
	}
	if _, err := schema.KeyOf(data); err != nil {
		return nil, err
	}
	if err := db.store.Put(ctx, schema.TableName(), data); err != nil {
		return nil, err
	}
	return copyRecord(data), nil
}

// FindOne returns the first matching record, or nil when nothing matches
func (db *DB) FindOne(ctx context.Context, req Request) (Record, error) {
	req.Limit = 1
	records, err := db.FindMany(ctx, req)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// FindMany returns every matching record
func (db *DB) FindMany(ctx context.Context, req Request) ([]Record, error) {
	plan, err := db.Plan(req)
	if err != nil {
		return nil, err
	}
	return db.executor.Execute(ctx, plan)
}

// Count returns how many records match, ignoring limit and offset
func (db *DB) Count(ctx context.Context, req Request) (int, error) {
	plan, err := db.Plan(req)
	if err != nil {
		return 0, err
	}
	return db.executor.Count(ctx, plan)
}

// Update applies data to the first matching record and returns the stored
// result. Only the differences are written.
func (db *DB) Update(ctx context.Context, req Request, data Record) (Record, error) {
	schema, err := db.model(req.Model)
	if err != nil {
		return nil, err
	}
	prev, err := db.FindOne(ctx, fullRecords(req))
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, dynaplanErrors.NewError("update", req.Model, dynaplanErrors.ErrItemNotFound)
	}
	return db.patch(ctx, schema, prev, data)
}

// UpdateByKey assigns values to the record identified by key without reading
// it first. Nested values are replaced whole and a missing record is created.
func (db *DB) UpdateByKey(ctx context.Context, model string, key, values Record) (Record, error) {
	schema, err := db.model(model)
	if err != nil {
		return nil, err
	}
	k, err := schema.KeyOf(key)
	if err != nil {
		return nil, err
	}
	update, err := expr.FlatUpdate(withoutKeys(values, schema))
	if err != nil {
		return nil, dynaplanErrors.NewError("update", model, err)
	}
	return db.store.Update(ctx, schema.TableName(), k, update)
}

// UpdateMany applies data to every matching record and returns how many
// changed. Records already equal to the result are skipped.
func (db *DB) UpdateMany(ctx context.Context, req Request, data Record) (int, error) {
	schema, err := db.model(req.Model)
	if err != nil {
		return 0, err
	}
	records, err := db.FindMany(ctx, fullRecords(req))
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, prev := range records {
		if _, err := db.patch(ctx, schema, prev, data); err != nil {
			if errors.Is(err, dynaplanErrors.ErrNoChanges) {
				continue
			}
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Delete removes the first matching record
func (db *DB) Delete(ctx context.Context, req Request) error {
	schema, err := db.model(req.Model)
	if err != nil {
		return err
	}
	rec, err := db.FindOne(ctx, keysOnly(req, schema))
	if err != nil {
		return err
	}
	if rec == nil {
		return dynaplanErrors.NewError("delete", req.Model, dynaplanErrors.ErrItemNotFound)
	}
	key, err := schema.KeyOf(rec)
	if err != nil {
		return err
	}
	return db.store.Delete(ctx, schema.TableName(), key)
}

// DeleteMany removes every matching record and returns how many were removed
func (db *DB) DeleteMany(ctx context.Context, req Request) (int, error) {
	schema, err := db.model(req.Model)
	if err != nil {
		return 0, err
	}
	records, err := db.FindMany(ctx, keysOnly(req, schema))
	if err != nil {
		return 0, err
	}
	for i, rec := range records {
		key, err := schema.KeyOf(rec)
		if err != nil {
			return i, err
		}
		if err := db.store.Delete(ctx, schema.TableName(), key); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

func (db *DB) patch(ctx context.Context, schema core.ModelSchema, prev, data Record) (Record, error) {
	key, err := schema.KeyOf(prev)
	if err != nil {
		return nil, err
	}
	next := merge(prev, data)
	update, err := expr.PatchUpdate(withoutKeys(prev, schema), withoutKeys(next, schema))
	if err != nil {
		return nil, dynaplanErrors.NewError("update", schema.Name, err)
	}
	return db.store.Update(ctx, schema.TableName(), key, update)
}

func (db *DB) model(name string) (core.ModelSchema, error) {
	schema, ok := db.catalog.Model(name)
	if !ok {
		return core.ModelSchema{}, dynaplanErrors.NewError("resolve", name, dynaplanErrors.ErrUnknownModel)
	}
	return schema, nil
}

// fullRecords drops projection and joins so writes see the stored record
func fullRecords(req Request) Request {
	req.Select = nil
	req.Join = nil
	return req
}

// keysOnly narrows req to the primary key fields
func keysOnly(req Request, schema core.ModelSchema) Request {
	req = fullRecords(req)
	req.Select = schema.KeyFields()
	return req
}

// merge returns prev with data applied. Undefined values leave a field as it
// was.
func merge(prev, data Record) Record {
	next := copyRecord(prev)
	for k, v := range data {
		if core.IsUndefined(v) {
			continue
		}
		next[k] = v
	}
	return next
}

func withoutKeys(r Record, schema core.ModelSchema) Record {
	out := copyRecord(r)
	for _, f := range schema.KeyFields() {
		delete(out, f)
	}
	return out
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Begin opens a transaction. Writes are buffered until Commit.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	buf, err := transaction.New(db.store, db.catalog, transaction.Options{
		MaxOperations: db.cfg.Transaction.MaxOperations,
		Logger:        db.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, buf: buf.WithContext(ctx)}, nil
}

// Transaction runs fn in a transaction, committing when fn succeeds and
// rolling back otherwise
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}
