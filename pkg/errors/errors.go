// Package errors defines coded error types and utilities for dynaplan
package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier
type Code string

// Error codes surfaced by the planner, executor, loader and transaction buffer
const (
	CodeMissingClient         Code = "MISSING_CLIENT"
	CodeMissingCatalog        Code = "MISSING_CATALOG"
	CodeInvalidConfig         Code = "INVALID_CONFIG"
	CodeUnknownModel          Code = "UNKNOWN_MODEL"
	CodeInvalidOperator       Code = "INVALID_OPERATOR"
	CodeMissingKeyCondition   Code = "MISSING_KEY_CONDITION"
	CodeScanPageLimitExceeded Code = "SCAN_PAGE_LIMIT_EXCEEDED"
	CodeTransactionLimit      Code = "TRANSACTION_LIMIT_EXCEEDED"
	CodeTransactionClosed     Code = "TRANSACTION_CLOSED"
	CodeTransactionFailed     Code = "TRANSACTION_FAILED"
	CodeDuplicateItem         Code = "TRANSACTION_DUPLICATE_ITEM"
	CodeNoChanges             Code = "UPDATE_NO_CHANGES"
	CodeMissingPrimaryKey     Code = "MISSING_PRIMARY_KEY"
	CodeBatchRetriesExhausted Code = "BATCH_GET_RETRIES_EXHAUSTED"
	CodeInvalidValue          Code = "INVALID_VALUE"
	CodeItemNotFound          Code = "ITEM_NOT_FOUND"
	CodeConditionFailed       Code = "CONDITION_FAILED"
)

// Common errors that can occur in dynaplan operations
var (
	// ErrMissingClient is returned when no store client was configured
	ErrMissingClient = &codeError{CodeMissingClient, "store client is required"}

	// ErrMissingCatalog is returned when no index catalog was configured
	ErrMissingCatalog = &codeError{CodeMissingCatalog, "index catalog is required"}

	// ErrInvalidConfig is returned when configuration fails validation
	ErrInvalidConfig = &codeError{CodeInvalidConfig, "invalid configuration"}

	// ErrUnknownModel is returned when a model is not present in the catalog
	ErrUnknownModel = &codeError{CodeUnknownModel, "unknown model"}

	// ErrInvalidOperator is returned when an invalid query operator is used
	ErrInvalidOperator = &codeError{CodeInvalidOperator, "invalid query operator"}

	// ErrMissingKeyCondition is returned when a keyed strategy produced no key condition
	ErrMissingKeyCondition = &codeError{CodeMissingKeyCondition, "strategy requires a key condition"}

	// ErrScanPageLimitExceeded is returned when a bounded scan runs out of page budget
	ErrScanPageLimitExceeded = &codeError{CodeScanPageLimitExceeded, "scan page limit exceeded"}

	// ErrTransactionLimit is returned when a transaction buffer is full
	ErrTransactionLimit = &codeError{CodeTransactionLimit, "transaction operation limit exceeded"}

	// ErrTransactionClosed is returned when a committed or rolled back transaction is reused
	ErrTransactionClosed = &codeError{CodeTransactionClosed, "transaction is closed"}

	// ErrTransactionFailed is returned when a transaction fails
	ErrTransactionFailed = &codeError{CodeTransactionFailed, "transaction failed"}

	// ErrDuplicateItem is returned when a transaction already updates or deletes the item
	ErrDuplicateItem = &codeError{CodeDuplicateItem, "transaction already writes this item"}

	// ErrNoChanges is returned when an update has no effective changes
	ErrNoChanges = &codeError{CodeNoChanges, "update has no changes"}

	// ErrMissingPrimaryKey is returned when a record lacks its primary key field
	ErrMissingPrimaryKey = &codeError{CodeMissingPrimaryKey, "missing primary key"}

	// ErrBatchRetriesExhausted is returned when batch get keeps returning unprocessed keys
	ErrBatchRetriesExhausted = &codeError{CodeBatchRetriesExhausted, "batch get exhausted retries"}

	// ErrInvalidValue is returned when a predicate or update value cannot be used
	ErrInvalidValue = &codeError{CodeInvalidValue, "invalid value"}

	// ErrItemNotFound is returned when an item is not found in the database
	ErrItemNotFound = &codeError{CodeItemNotFound, "item not found"}

	// ErrConditionFailed is returned when a condition check fails
	ErrConditionFailed = &codeError{CodeConditionFailed, "condition check failed"}
)

// codeError is the sentinel type behind the exported Err* values
type codeError struct {
	code Code
	msg  string
}

func (e *codeError) Error() string { return e.msg }

// Code returns the stable error code
func (e *codeError) Code() Code { return e.code }

// Error represents a detailed error with context
type Error struct {
	Op      string         // Operation that failed
	Model   string         // Model name
	Code    Code           // Stable error code
	Err     error          // Underlying error
	Context map[string]any // Additional context
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("dynaplan: %s %s [%s]: %v", e.Op, e.Model, e.Code, e.Err)
	}
	return fmt.Sprintf("dynaplan: %s [%s]: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's code
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*codeError)
	return ok && sentinel.code == e.Code
}

// NewError creates a new Error whose code is taken from err when err carries one
func NewError(op, model string, err error) *Error {
	return &Error{
		Op:    op,
		Model: model,
		Code:  CodeOf(err),
		Err:   err,
	}
}

// NewErrorWithContext creates a new Error with context
func NewErrorWithContext(op, model string, err error, context map[string]any) *Error {
	e := NewError(op, model, err)
	e.Context = context
	return e
}

// Errorf wraps a sentinel with a formatted detail message, preserving its code
func Errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// CodeOf extracts the stable code from err, or "" when err carries none
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	var sentinel *codeError
	if errors.As(err, &sentinel) {
		return sentinel.code
	}
	return ""
}

// IsCode checks whether err carries the given code
func IsCode(err error, code Code) bool {
	return code != "" && CodeOf(err) == code
}

// IsNotFound checks if an error indicates an item was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsConditionFailed checks if an error indicates a condition check failure
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}
