package dynaplan

import (
	"context"

	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/transaction"
)

// Tx buffers writes for one atomic commit. Reads see records created in the
// same transaction before falling back to the store.
type Tx struct {
	db  *DB
	buf *transaction.Transaction
}

// Create buffers a new record
func (tx *Tx) Create(model string, data Record) (Record, error) {
	return tx.buf.Create(model, data)
}

// FindOne returns the latest buffered record matching req.Where, or the
// first stored match. Select and joins apply only to stored reads.
func (tx *Tx) FindOne(ctx context.Context, req Request) (Record, error) {
	rec, ok, err := tx.buf.FindBuffered(req.Model, req.Where)
	if err != nil {
		return nil, err
	}
	if ok {
		return rec, nil
	}
	return tx.db.FindOne(ctx, req)
}

// Update buffers the changes that apply data to the first matching record and
// returns the record as it will be stored
func (tx *Tx) Update(ctx context.Context, req Request, data Record) (Record, error) {
	prev, err := tx.FindOne(ctx, fullRecords(req))
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, dynaplanErrors.NewError("update", req.Model, dynaplanErrors.ErrItemNotFound)
	}
	next := merge(prev, data)
	if err := tx.buf.Update(req.Model, prev, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete buffers removal of the first matching record
func (tx *Tx) Delete(ctx context.Context, req Request) error {
	rec, err := tx.FindOne(ctx, fullRecords(req))
	if err != nil {
		return err
	}
	if rec == nil {
		return dynaplanErrors.NewError("delete", req.Model, dynaplanErrors.ErrItemNotFound)
	}
	return tx.buf.Delete(req.Model, rec)
}

// Pending returns how many writes are buffered
func (tx *Tx) Pending() int {
	return tx.buf.Len()
}

// Commit writes the buffer atomically. The transaction cannot be reused.
func (tx *Tx) Commit() error {
	return tx.buf.Commit()
}

// Rollback discards the buffer
func (tx *Tx) Rollback() error {
	return tx.buf.Rollback()
}
