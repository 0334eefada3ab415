package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := NewError("plan", "users", Errorf(ErrInvalidOperator, "operator %q", "like"))

	assert.ErrorIs(t, err, ErrInvalidOperator)
	assert.NotErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, CodeInvalidOperator, CodeOf(err))
	assert.Equal(t, `dynaplan: plan users [INVALID_OPERATOR]: invalid query operator: operator "like"`, err.Error())
}

func TestCodeSurvivesWrapping(t *testing.T) {
	inner := &Error{Op: "transact", Code: CodeConditionFailed, Err: errors.New("canceled")}
	wrapped := fmt.Errorf("commit: %w", NewError("commit", "", inner))

	assert.True(t, IsConditionFailed(wrapped))
	assert.True(t, IsCode(wrapped, CodeConditionFailed))
	assert.False(t, IsCode(wrapped, ""))
	assert.False(t, IsNotFound(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, "dynaplan: load [MISSING_CLIENT]: store client is required", NewError("load", "", ErrMissingClient).Error())
}

func TestNewErrorWithContext(t *testing.T) {
	err := NewErrorWithContext("transact", "accounts", ErrTransactionLimit, map[string]any{"limit": 25})
	assert.Equal(t, 25, err.Context["limit"])
	assert.True(t, IsCode(err, CodeTransactionLimit))
}
