package transaction

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/mocks"
	"github.com/pay-theory/dynaplan/pkg/store"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) Transact(ctx context.Context, writes []store.Write, token string) error {
	args := m.Called(ctx, writes, token)
	return args.Error(0)
}

var accounts = core.ModelSchema{
	Name:       "accounts",
	Table:      "app-accounts",
	PrimaryKey: core.KeySchema{PartitionKey: "id"},
}

func testCatalog(t *testing.T) *core.Catalog {
	t.Helper()
	catalog, err := core.NewCatalog(accounts)
	require.NoError(t, err)
	return catalog
}

func newTx(t *testing.T, w Writer) *Transaction {
	t.Helper()
	tx, err := New(w, testCatalog(t), Options{Token: func() string { return "token-1" }})
	require.NoError(t, err)
	return tx
}

func TestCapRejectsWithoutMutation(t *testing.T) {
	tx := newTx(t, &mockWriter{})

	for i := 0; i < store.MaxTransactOperations; i++ {
		_, err := tx.Create("accounts", core.Record{"id": fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}
	before := tx.Writes()

	_, err := tx.Create("accounts", core.Record{"id": "overflow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dynaplanErrors.ErrTransactionLimit)
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeTransactionLimit))

	assert.Equal(t, store.MaxTransactOperations, tx.Len())
	assert.Equal(t, before, tx.Writes())

	err = tx.Delete("accounts", core.Record{"id": "a99"})
	assert.ErrorIs(t, err, dynaplanErrors.ErrTransactionLimit)

	// rewriting a buffered item does not take another slot
	require.NoError(t, tx.Delete("accounts", core.Record{"id": "a1"}))
	assert.Equal(t, store.MaxTransactOperations, tx.Len())
}

func TestOneWritePerItem(t *testing.T) {
	tx := newTx(t, &mockWriter{})

	_, err := tx.Create("accounts", core.Record{"id": "a1", "status": "new", "n": 1})
	require.NoError(t, err)
	require.NoError(t, tx.Update("accounts",
		core.Record{"id": "a1", "status": "new", "n": 1},
		core.Record{"id": "a1", "status": "active", "n": 1}))

	writes := tx.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, store.WritePut, writes[0].Kind)
	assert.Equal(t, core.Record{"id": "a1", "status": "active", "n": 1}, writes[0].Item)

	require.NoError(t, tx.Update("accounts",
		core.Record{"id": "a2", "n": 1},
		core.Record{"id": "a2", "n": 2}))
	err = tx.Update("accounts",
		core.Record{"id": "a2", "n": 2},
		core.Record{"id": "a2", "n": 3})
	assert.ErrorIs(t, err, dynaplanErrors.ErrDuplicateItem)

	require.NoError(t, tx.Delete("accounts", core.Record{"id": "a2"}))
	err = tx.Delete("accounts", core.Record{"id": "a2"})
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeDuplicateItem))
	err = tx.Update("accounts",
		core.Record{"id": "a2", "n": 2},
		core.Record{"id": "a2", "n": 3})
	assert.ErrorIs(t, err, dynaplanErrors.ErrDuplicateItem)

	_, err = tx.Create("accounts", core.Record{"id": "a2", "n": 9})
	require.NoError(t, err)

	writes = tx.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, store.WritePut, writes[1].Kind)
	assert.Equal(t, 9, writes[1].Item["n"])
}

func TestReadYourWrites(t *testing.T) {
	tx := newTx(t, &mockWriter{})

	_, err := tx.Create("accounts", core.Record{"id": "a1", "status": "new"})
	require.NoError(t, err)
	_, err = tx.Create("accounts", core.Record{"id": "a2", "status": "new"})
	require.NoError(t, err)
	_, err = tx.Create("accounts", core.Record{"id": "a1", "status": "active"})
	require.NoError(t, err)

	rec, ok, err := tx.FindBuffered("accounts", []core.Where{{Field: "id", Value: "a1"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "active", rec["status"])

	rec, ok, err = tx.FindBuffered("accounts", []core.Where{{Field: "status", Operator: "ends_with", Value: "ew"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", rec["id"])

	// the returned record is a copy
	rec["status"] = "mutated"
	again, _, err := tx.FindBuffered("accounts", []core.Where{{Field: "id", Value: "a2"}})
	require.NoError(t, err)
	assert.Equal(t, "new", again["status"])

	_, ok, err = tx.FindBuffered("accounts", []core.Where{{Field: "id", Value: "missing"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBufferedUpdatesAreNotSearchable(t *testing.T) {
	tx := newTx(t, &mockWriter{})

	require.NoError(t, tx.Update("accounts",
		core.Record{"id": "a1", "status": "new"},
		core.Record{"id": "a1", "status": "active"}))

	_, ok, err := tx.FindBuffered("accounts", []core.Where{{Field: "id", Value: "a1"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOperationErrors(t *testing.T) {
	tx := newTx(t, &mockWriter{})

	_, err := tx.Create("ghosts", core.Record{"id": "g1"})
	assert.ErrorIs(t, err, dynaplanErrors.ErrUnknownModel)

	_, err = tx.Create("accounts", core.Record{"status": "new"})
	assert.ErrorIs(t, err, dynaplanErrors.ErrMissingPrimaryKey)

	err = tx.Update("accounts", core.Record{"id": "a1", "n": 1}, core.Record{"id": "a1", "n": 1})
	assert.ErrorIs(t, err, dynaplanErrors.ErrNoChanges)

	_, _, err = tx.FindBuffered("accounts", []core.Where{{Field: "id", Operator: "like", Value: "a"}})
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidOperator)

	assert.Zero(t, tx.Len())
}

func TestCommitSendsBufferOnce(t *testing.T) {
	w := &mockWriter{}
	w.On("Transact", mock.Anything, mock.MatchedBy(func(writes []store.Write) bool {
		return len(writes) == 3 &&
			writes[0].Kind == store.WritePut &&
			writes[1].Kind == store.WriteUpdate &&
			writes[2].Kind == store.WriteDelete &&
			writes[0].Table == "app-accounts"
	}), "token-1").Return(nil).Once()

	tx := newTx(t, w)
	_, err := tx.Create("accounts", core.Record{"id": "a1"})
	require.NoError(t, err)
	require.NoError(t, tx.Update("accounts", core.Record{"id": "a2", "n": 1}, core.Record{"id": "a2", "n": 2}))
	require.NoError(t, tx.Delete("accounts", core.Record{"id": "a3", "ignored": true}))

	require.NoError(t, tx.Commit())
	w.AssertExpectations(t)
	assert.True(t, tx.Closed())

	err = tx.Commit()
	assert.ErrorIs(t, err, dynaplanErrors.ErrTransactionClosed)
	_, err = tx.Create("accounts", core.Record{"id": "a4"})
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeTransactionClosed))
	_, _, err = tx.FindBuffered("accounts", nil)
	assert.ErrorIs(t, err, dynaplanErrors.ErrTransactionClosed)
}

func TestCommitEmptyBuffer(t *testing.T) {
	w := &mockWriter{}
	tx := newTx(t, w)
	require.NoError(t, tx.Commit())
	w.AssertNotCalled(t, "Transact", mock.Anything, mock.Anything, mock.Anything)
}

func TestRollback(t *testing.T) {
	w := &mockWriter{}
	tx := newTx(t, w)
	_, err := tx.Create("accounts", core.Record{"id": "a1"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())
	assert.Zero(t, tx.Len())
	assert.ErrorIs(t, tx.Commit(), dynaplanErrors.ErrTransactionClosed)
	w.AssertNotCalled(t, "Transact", mock.Anything, mock.Anything, mock.Anything)
}

func TestCommitAgainstStore(t *testing.T) {
	db := mocks.NewMemoryDynamoDB()
	db.AddModel(accounts)
	require.NoError(t, db.Seed("app-accounts",
		core.Record{"id": "a1", "balance": 20, "tags": []any{"x", "y"}},
		core.Record{"id": "a2", "balance": 5},
	))
	s, err := store.New(db)
	require.NoError(t, err)

	tx, err := New(s, testCatalog(t), Options{})
	require.NoError(t, err)
	tx.WithContext(context.Background())

	_, err = tx.Create("accounts", core.Record{"id": "a3", "balance": 1})
	require.NoError(t, err)
	require.NoError(t, tx.Update("accounts",
		core.Record{"id": "a1", "balance": 20, "tags": []any{"x", "y"}},
		core.Record{"id": "a1", "balance": 21, "tags": []any{"x"}}))
	require.NoError(t, tx.Delete("accounts", core.Record{"id": "a2"}))
	require.NoError(t, tx.Commit())

	require.Len(t, db.Transactions, 1)
	input := db.Transactions[0]
	assert.NotEmpty(t, input.ClientRequestToken)
	require.Len(t, input.TransactItems, 3)
	assert.Contains(t, *input.TransactItems[1].Update.UpdateExpression, "ADD")

	items := db.Items("app-accounts")
	require.Len(t, items, 2)
	byID := map[string]core.Record{}
	for _, it := range items {
		byID[it["id"].(string)] = it
	}
	assert.Equal(t, float64(21), byID["a1"]["balance"])
	assert.Equal(t, []any{"x"}, byID["a1"]["tags"])
	assert.Contains(t, byID, "a3")
}

func TestCommitFailureClosesBuffer(t *testing.T) {
	db := mocks.NewMemoryDynamoDB()
	db.AddModel(accounts)
	db.TransactErr = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
	}
	s, err := store.New(db)
	require.NoError(t, err)

	tx, err := New(s, testCatalog(t), Options{})
	require.NoError(t, err)
	_, err = tx.Create("accounts", core.Record{"id": "a1"})
	require.NoError(t, err)

	err = tx.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, dynaplanErrors.ErrConditionFailed)
	assert.True(t, tx.Closed())
	assert.Empty(t, db.Items("app-accounts"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, testCatalog(t), Options{})
	assert.ErrorIs(t, err, dynaplanErrors.ErrMissingClient)
	_, err = New(&mockWriter{}, nil, Options{})
	assert.ErrorIs(t, err, dynaplanErrors.ErrMissingCatalog)

	tx, err := New(&mockWriter{}, testCatalog(t), Options{MaxOperations: 100})
	require.NoError(t, err)
	assert.Equal(t, store.MaxTransactOperations, tx.opts.MaxOperations)
}
