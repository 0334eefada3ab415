// Package validation enforces the store's limits on attribute paths, values,
// expressions and table or index names before a request reaches the wire
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// Store limits
const (
	MaxFieldNameLength   = 255
	MaxValueStringLength = 400000 // item size limit
	MaxNestedDepth       = 32
	MaxExpressionLength  = 4096
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,255}$`)

// FieldError describes a rejected name or value. It matches
// errors.ErrInvalidValue.
type FieldError struct {
	Kind   string
	Field  string
	Detail string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Kind, e.Field, e.Detail)
}

// Unwrap exposes the invalid value sentinel
func (e *FieldError) Unwrap() error {
	return dynaplanErrors.ErrInvalidValue
}

// ValidateFieldPath checks a possibly dotted attribute path
func ValidateFieldPath(field string) error {
	if field == "" {
		return &FieldError{Kind: "field", Field: field, Detail: "name cannot be empty"}
	}
	if len(field) > MaxFieldNameLength {
		return &FieldError{Kind: "field", Field: field, Detail: fmt.Sprintf("exceeds %d characters", MaxFieldNameLength)}
	}
	for _, r := range field {
		if unicode.IsControl(r) {
			return &FieldError{Kind: "field", Field: field, Detail: "contains control characters"}
		}
	}
	parts := strings.Split(field, ".")
	if len(parts) > MaxNestedDepth {
		return &FieldError{Kind: "field", Field: field, Detail: fmt.Sprintf("nesting exceeds %d levels", MaxNestedDepth)}
	}
	for _, part := range parts {
		if part == "" {
			return &FieldError{Kind: "field", Field: field, Detail: "path has an empty segment"}
		}
	}
	return nil
}

// ValidateValue checks string sizes and nesting depth of a predicate or
// record value
func ValidateValue(value any) error {
	return validateValue(value, 0)
}

func validateValue(value any, depth int) error {
	if depth > MaxNestedDepth {
		return &FieldError{Kind: "value", Detail: fmt.Sprintf("nesting exceeds %d levels", MaxNestedDepth)}
	}
	switch v := value.(type) {
	case string:
		if len(v) > MaxValueStringLength {
			return &FieldError{Kind: "value", Detail: fmt.Sprintf("string exceeds %d bytes", MaxValueStringLength)}
		}
	case []any:
		for _, item := range v {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	case []string:
		for _, item := range v {
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for key, item := range v {
			if key == "" {
				return &FieldError{Kind: "value", Detail: "map key cannot be empty"}
			}
			if err := validateValue(item, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateExpression checks the length of a rendered expression
func ValidateExpression(expression string) error {
	if len(expression) > MaxExpressionLength {
		return &FieldError{Kind: "expression", Field: expression[:32] + "...", Detail: fmt.Sprintf("exceeds %d characters", MaxExpressionLength)}
	}
	return nil
}

// ValidateTableName checks a table name against the store's naming rules
func ValidateTableName(name string) error {
	if !namePattern.MatchString(name) {
		return &FieldError{Kind: "table", Field: name, Detail: "must be 3-255 letters, digits, dots, dashes or underscores"}
	}
	return nil
}

// ValidateIndexName checks an index name. Empty means the primary index.
func ValidateIndexName(name string) error {
	if name == "" {
		return nil
	}
	if !namePattern.MatchString(name) {
		return &FieldError{Kind: "index", Field: name, Detail: "must be 3-255 letters, digits, dots, dashes or underscores"}
	}
	return nil
}
