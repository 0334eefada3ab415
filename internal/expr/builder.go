package expr

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// Builder compiles expressions for DynamoDB operations. Every attribute name is
// replaced by a #nN placeholder and every value by a :vN placeholder.
type Builder struct {
	keyConditions    []string
	filterConditions []string
	updateClauses    map[string][]string // REMOVE, ADD, SET
	projections      []string

	names  map[string]string
	values map[string]types.AttributeValue
	byName map[string]string

	nameCounter  int
	valueCounter int
}

// NewBuilder creates a new expression builder
func NewBuilder() *Builder {
	return &Builder{
		names:         make(map[string]string),
		values:        make(map[string]types.AttributeValue),
		byName:        make(map[string]string),
		updateClauses: make(map[string][]string),
	}
}

// ExpressionComponents holds all expression components
type ExpressionComponents struct {
	KeyConditionExpression    string
	FilterExpression          string
	ProjectionExpression      string
	UpdateExpression          string
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue
}

// updateOrder is the clause order of a rendered update expression
var updateOrder = []string{"REMOVE", "ADD", "SET"}

// Build compiles all expressions and returns the final components
func (b *Builder) Build() ExpressionComponents {
	components := ExpressionComponents{}
	if len(b.names) > 0 {
		components.ExpressionAttributeNames = b.names
	}
	if len(b.values) > 0 {
		components.ExpressionAttributeValues = b.values
	}

	if len(b.keyConditions) > 0 {
		components.KeyConditionExpression = strings.Join(b.keyConditions, " AND ")
	}

	if len(b.filterConditions) > 0 {
		components.FilterExpression = strings.Join(b.filterConditions, " AND ")
	}

	if len(b.projections) > 0 {
		components.ProjectionExpression = strings.Join(b.projections, ", ")
	}

	var parts []string
	for _, action := range updateOrder {
		if clauses := b.updateClauses[action]; len(clauses) > 0 {
			parts = append(parts, action+" "+strings.Join(clauses, ", "))
		}
	}
	components.UpdateExpression = strings.Join(parts, " ")

	return components
}

// AddKeyCondition adds a key condition fragment for a key-compatible predicate
func (b *Builder) AddKeyCondition(p core.Predicate) error {
	switch p.Operator {
	case core.OpEq, core.OpGt, core.OpGte, core.OpLt, core.OpLte, core.OpStartsWith:
	default:
		return fmt.Errorf("%w: %s cannot be used in a key condition", dynaplanErrors.ErrInvalidOperator, p.Operator)
	}
	fragment, err := b.Fragment(p)
	if err != nil {
		return err
	}
	b.keyConditions = append(b.keyConditions, fragment)
	return nil
}

// AddFilter adds a pre-rendered filter expression
func (b *Builder) AddFilter(expression string) {
	if expression != "" {
		b.filterConditions = append(b.filterConditions, expression)
	}
}

// AddProjection adds fields to the projection expression
func (b *Builder) AddProjection(fields ...string) {
	for _, field := range fields {
		b.projections = append(b.projections, b.Name(field))
	}
}

// AddUpdateSet adds a SET clause
func (b *Builder) AddUpdateSet(path string, value any) error {
	ref, err := b.Value(value)
	if err != nil {
		return err
	}
	b.updateClauses["SET"] = append(b.updateClauses["SET"], fmt.Sprintf("%s = %s", path, ref))
	return nil
}

// AddUpdateIncrement adds a SET clause that adds delta to the current value
func (b *Builder) AddUpdateIncrement(path string, delta any) error {
	ref, err := b.Value(delta)
	if err != nil {
		return err
	}
	b.updateClauses["SET"] = append(b.updateClauses["SET"], fmt.Sprintf("%s = %s + %s", path, path, ref))
	return nil
}

// AddUpdateAdd adds an ADD clause (atomic numeric delta)
func (b *Builder) AddUpdateAdd(path string, delta any) error {
	ref, err := b.Value(delta)
	if err != nil {
		return err
	}
	b.updateClauses["ADD"] = append(b.updateClauses["ADD"], fmt.Sprintf("%s %s", path, ref))
	return nil
}

// AddUpdateRemove adds a REMOVE clause
func (b *Builder) AddUpdateRemove(path string) {
	b.updateClauses["REMOVE"] = append(b.updateClauses["REMOVE"], path)
}

// Name returns the placeholder for an attribute name. Dotted names are treated
// as nested paths and get one placeholder per segment.
func (b *Builder) Name(name string) string {
	if strings.Contains(name, ".") {
		parts := strings.Split(name, ".")
		for i, part := range parts {
			parts[i] = b.segment(part)
		}
		return strings.Join(parts, ".")
	}
	return b.segment(name)
}

// segment returns the placeholder for a single path segment, reusing earlier ones
func (b *Builder) segment(name string) string {
	if placeholder, ok := b.byName[name]; ok {
		return placeholder
	}
	b.nameCounter++
	placeholder := fmt.Sprintf("#n%d", b.nameCounter)
	b.names[placeholder] = name
	b.byName[name] = placeholder
	return placeholder
}

// Value adds an attribute value and returns its placeholder. Values the
// attribute codec cannot marshal are rejected with ErrInvalidValue.
func (b *Builder) Value(value any) (string, error) {
	av, err := ConvertToAttributeValue(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dynaplanErrors.ErrInvalidValue, err)
	}

	b.valueCounter++
	placeholder := fmt.Sprintf(":v%d", b.valueCounter)
	b.values[placeholder] = av
	return placeholder, nil
}
