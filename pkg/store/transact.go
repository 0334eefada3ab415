package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// MaxTransactOperations is the store's limit on operations per transaction
const MaxTransactOperations = 25

// WriteKind tags a buffered write
type WriteKind int

// Write kinds
const (
	WritePut WriteKind = iota
	WriteUpdate
	WriteDelete
)

// String returns the write kind name
func (k WriteKind) String() string {
	switch k {
	case WriteUpdate:
		return "Update"
	case WriteDelete:
		return "Delete"
	default:
		return "Put"
	}
}

// Write is a single write operation. Item is set for Put, Key for Update and
// Delete, and Update only for Update.
type Write struct {
	Kind   WriteKind
	Table  string
	Item   core.Record
	Key    core.Record
	Update expr.Update
}

// transactItem converts w to its transaction form
func (w Write) transactItem() (types.TransactWriteItem, error) {
	switch w.Kind {
	case WritePut:
		item, err := expr.MarshalRecord(w.Item)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(w.Table),
			Item:      item,
		}}, nil

	case WriteUpdate:
		key, err := expr.MarshalRecord(w.Key)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(w.Table),
			Key:                       key,
			UpdateExpression:          aws.String(w.Update.Expression),
			ExpressionAttributeNames:  w.Update.Names,
			ExpressionAttributeValues: w.Update.Values,
		}}, nil

	case WriteDelete:
		key, err := expr.MarshalRecord(w.Key)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(w.Table),
			Key:       key,
		}}, nil
	}
	return types.TransactWriteItem{}, fmt.Errorf("unknown write kind %d", w.Kind)
}

// Transact commits writes as one atomic transaction. token is sent as the
// idempotency token when non-empty.
func (s *Store) Transact(ctx context.Context, writes []Write, token string) error {
	if len(writes) == 0 {
		return nil
	}
	if len(writes) > MaxTransactOperations {
		return dynaplanErrors.Errorf(dynaplanErrors.ErrTransactionLimit, "%d operations", len(writes))
	}

	items := make([]types.TransactWriteItem, 0, len(writes))
	for i, w := range writes {
		item, err := w.transactItem()
		if err != nil {
			return dynaplanErrors.NewErrorWithContext("transact", w.Table, err, map[string]any{"operation": i})
		}
		items = append(items, item)
	}

	input := &dynamodb.TransactWriteItemsInput{TransactItems: items}
	if token != "" {
		input.ClientRequestToken = aws.String(token)
	}

	if _, err := s.client.TransactWriteItems(ctx, input); err != nil {
		return mapTransactError(err)
	}

	s.logger.Debug().Int("operations", len(items)).Msg("transaction committed")
	return nil
}

// retryableCodes are the transport error codes batch reads back off on
var retryableCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
}

// IsRetryable reports whether err is a throttling or transient service error
func IsRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retryableCodes[apiErr.ErrorCode()]
	}
	return false
}

// mapError attaches an operation and table to a transport error. The
// underlying error stays reachable through errors.As.
func mapError(op, table string, err error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return &dynaplanErrors.Error{Op: op, Model: table, Code: dynaplanErrors.CodeConditionFailed, Err: err}
	}
	return &dynaplanErrors.Error{Op: op, Model: table, Err: err}
}

// mapTransactError maps a transaction failure to a coded error carrying the
// per-operation cancellation reasons
func mapTransactError(err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		reasons := make([]string, 0, len(canceled.CancellationReasons))
		code := dynaplanErrors.CodeTransactionFailed
		for _, r := range canceled.CancellationReasons {
			reason := aws.ToString(r.Code)
			reasons = append(reasons, reason)
			if reason == "ConditionalCheckFailed" {
				code = dynaplanErrors.CodeConditionFailed
			}
		}
		return &dynaplanErrors.Error{
			Op:      "transact",
			Code:    code,
			Err:     fmt.Errorf("transaction canceled: %w", err),
			Context: map[string]any{"reasons": reasons},
		}
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return &dynaplanErrors.Error{Op: "transact", Code: dynaplanErrors.CodeConditionFailed, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return &dynaplanErrors.Error{
			Op:   "transact",
			Code: dynaplanErrors.CodeTransactionFailed,
			Err:  fmt.Errorf("validation error: %w", err),
		}
	}

	return &dynaplanErrors.Error{Op: "transact", Code: dynaplanErrors.CodeTransactionFailed, Err: err}
}
