// Package transaction buffers writes and commits them as one atomic
// multi-item transaction. While open, buffered puts can be read back.
package transaction

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/planner"
	"github.com/pay-theory/dynaplan/pkg/store"
)

// Writer commits a batch of writes atomically. *store.Store implements it.
type Writer interface {
	Transact(ctx context.Context, writes []store.Write, token string) error
}

// Options configures a Transaction
type Options struct {
	// MaxOperations caps the buffer; it never exceeds store.MaxTransactOperations
	MaxOperations int
	Logger        zerolog.Logger
	// Token generates the idempotency token sent with Commit
	Token func() string
}

// Transaction is an append-only write buffer. A committed or rolled back
// transaction rejects further use.
type Transaction struct {
	writer  Writer
	catalog *core.Catalog
	opts    Options
	ctx     context.Context

	mu     sync.Mutex
	writes []store.Write
	closed bool
}

// New creates an open Transaction
func New(writer Writer, catalog *core.Catalog, opts Options) (*Transaction, error) {
	if writer == nil {
		return nil, dynaplanErrors.ErrMissingClient
	}
	if catalog == nil {
		return nil, dynaplanErrors.ErrMissingCatalog
	}
	if opts.MaxOperations <= 0 || opts.MaxOperations > store.MaxTransactOperations {
		opts.MaxOperations = store.MaxTransactOperations
	}
	if opts.Token == nil {
		opts.Token = uuid.NewString
	}
	return &Transaction{
		writer:  writer,
		catalog: catalog,
		opts:    opts,
		ctx:     context.Background(),
	}, nil
}

// WithContext sets the context used by Commit
func (tx *Transaction) WithContext(ctx context.Context) *Transaction {
	tx.ctx = ctx
	return tx
}

// Len returns the number of buffered writes
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writes)
}

// Writes returns a copy of the buffered writes in append order
func (tx *Transaction) Writes() []store.Write {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]store.Write(nil), tx.writes...)
}

// Add appends w. A full or closed buffer is left untouched.
func (tx *Transaction) Add(w store.Write) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.appendLocked(w)
}

func (tx *Transaction) appendLocked(w store.Write) error {
	if tx.closed {
		return dynaplanErrors.NewError("add", w.Table, dynaplanErrors.ErrTransactionClosed)
	}
	if len(tx.writes) >= tx.opts.MaxOperations {
		return dynaplanErrors.NewErrorWithContext("add", w.Table,
			dynaplanErrors.Errorf(dynaplanErrors.ErrTransactionLimit, "at most %d operations", tx.opts.MaxOperations),
			map[string]any{"operations": len(tx.writes), "kind": w.Kind.String()})
	}
	tx.writes = append(tx.writes, w)
	return nil
}

// place buffers w for the item identified by key. A transaction may touch an
// item only once, so an earlier write for the same item is handed to combine
// and replaced by its result.
func (tx *Transaction) place(schema core.ModelSchema, key core.Record, w store.Write, combine func(prev store.Write) (store.Write, error)) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return dynaplanErrors.NewError("add", w.Table, dynaplanErrors.ErrTransactionClosed)
	}

	id := itemID(schema, key)
	for i, prev := range tx.writes {
		if prev.Table != w.Table || itemID(schema, writeKey(prev)) != id {
			continue
		}
		next, err := combine(prev)
		if err != nil {
			return dynaplanErrors.NewErrorWithContext("add", schema.Name, err,
				map[string]any{"buffered": prev.Kind.String(), "kind": w.Kind.String()})
		}
		tx.writes[i] = next
		return nil
	}
	return tx.appendLocked(w)
}

// Create buffers a put of data into model. It replaces any write already
// buffered for the same item.
func (tx *Transaction) Create(model string, data core.Record) (core.Record, error) {
	schema, err := tx.model(model)
	if err != nil {
		return nil, err
	}
	key, err := schema.KeyOf(data)
	if err != nil {
		return nil, err
	}
	item := copyRecord(data)
	w := store.Write{Kind: store.WritePut, Table: schema.TableName(), Item: item}
	if err := tx.place(schema, key, w, func(store.Write) (store.Write, error) { return w, nil }); err != nil {
		return nil, err
	}
	return copyRecord(item), nil
}

// Update buffers the patch that turns prev into next. The key is taken from
// prev; key attributes are never part of the patch. When the item was created
// in this transaction the buffered put is rewritten to next instead.
func (tx *Transaction) Update(model string, prev, next core.Record) error {
	schema, err := tx.model(model)
	if err != nil {
		return err
	}
	key, err := schema.KeyOf(prev)
	if err != nil {
		return err
	}
	update, err := expr.PatchUpdate(withoutKeys(prev, schema), withoutKeys(next, schema))
	if err != nil {
		return dynaplanErrors.NewError("update", model, err)
	}
	w := store.Write{Kind: store.WriteUpdate, Table: schema.TableName(), Key: key, Update: update}
	return tx.place(schema, key, w, func(buffered store.Write) (store.Write, error) {
		if buffered.Kind != store.WritePut {
			return store.Write{}, dynaplanErrors.Errorf(dynaplanErrors.ErrDuplicateItem, "update after %s", buffered.Kind)
		}
		item := copyRecord(next)
		for f, v := range key {
			item[f] = v
		}
		return store.Write{Kind: store.WritePut, Table: w.Table, Item: item}, nil
	})
}

// Delete buffers a delete of the record identified by key. A buffered put or
// update of the same item is replaced by the delete.
func (tx *Transaction) Delete(model string, key core.Record) error {
	schema, err := tx.model(model)
	if err != nil {
		return err
	}
	k, err := schema.KeyOf(key)
	if err != nil {
		return err
	}
	w := store.Write{Kind: store.WriteDelete, Table: schema.TableName(), Key: k}
	return tx.place(schema, k, w, func(buffered store.Write) (store.Write, error) {
		if buffered.Kind == store.WriteDelete {
			return store.Write{}, dynaplanErrors.Errorf(dynaplanErrors.ErrDuplicateItem, "delete after %s", buffered.Kind)
		}
		return w, nil
	})
}

// FindBuffered returns the most recently buffered put for model matching
// where. Buffered updates and deletes are not consulted.
func (tx *Transaction) FindBuffered(model string, where []core.Where) (core.Record, bool, error) {
	schema, err := tx.model(model)
	if err != nil {
		return nil, false, err
	}
	predicates := planner.Normalize(where)
	for _, p := range predicates {
		if !expr.Supported(p.Operator) {
			return nil, false, dynaplanErrors.NewError("find", model, dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidOperator, "%q", p.Operator))
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, false, dynaplanErrors.NewError("find", model, dynaplanErrors.ErrTransactionClosed)
	}
	table := schema.TableName()
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		if w.Kind != store.WritePut || w.Table != table {
			continue
		}
		if expr.Evaluate(w.Item, predicates) {
			return copyRecord(w.Item), true, nil
		}
	}
	return nil, false, nil
}

// Commit sends every buffered write as one atomic transaction. The buffer is
// closed afterwards whether or not the commit succeeded.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return dynaplanErrors.NewError("commit", "", dynaplanErrors.ErrTransactionClosed)
	}
	tx.closed = true
	writes := tx.writes
	tx.writes = nil
	tx.mu.Unlock()

	if len(writes) == 0 {
		return nil
	}
	token := tx.opts.Token()
	tx.opts.Logger.Debug().Int("operations", len(writes)).Str("token", token).Msg("committing transaction")
	return tx.writer.Transact(tx.ctx, writes, token)
}

// Rollback discards the buffer. Rolling back a closed transaction is a no-op.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.closed {
		tx.opts.Logger.Debug().Int("operations", len(tx.writes)).Msg("transaction rolled back")
	}
	tx.closed = true
	tx.writes = nil
	return nil
}

// Closed reports whether the transaction was committed or rolled back
func (tx *Transaction) Closed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.closed
}

func (tx *Transaction) model(name string) (core.ModelSchema, error) {
	schema, ok := tx.catalog.Model(name)
	if !ok {
		return core.ModelSchema{}, dynaplanErrors.NewError("transaction", name, dynaplanErrors.ErrUnknownModel)
	}
	return schema, nil
}

// writeKey returns the key attributes of the item w writes
func writeKey(w store.Write) core.Record {
	if w.Kind == store.WritePut {
		return w.Item
	}
	return w.Key
}

func itemID(schema core.ModelSchema, r core.Record) string {
	fields := schema.KeyFields()
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = core.KeyString(r[f])
	}
	return strings.Join(parts, "\x00")
}

func withoutKeys(r core.Record, schema core.ModelSchema) core.Record {
	out := copyRecord(r)
	for _, f := range schema.KeyFields() {
		delete(out, f)
	}
	return out
}

func copyRecord(r core.Record) core.Record {
	out := make(core.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
