package expr

import (
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// Update is a compiled update expression with its placeholder maps
type Update struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

func updateFrom(b *Builder) Update {
	components := b.Build()
	return Update{
		Expression: components.UpdateExpression,
		Names:      components.ExpressionAttributeNames,
		Values:     components.ExpressionAttributeValues,
	}
}

// FlatUpdate renders field→value assignments as a single SET clause. Undefined
// values are skipped; ErrNoChanges is returned when nothing is left to assign.
func FlatUpdate(values map[string]any) (Update, error) {
	fields := make([]string, 0, len(values))
	for field, value := range values {
		if core.IsUndefined(value) {
			continue
		}
		fields = append(fields, field)
	}
	if len(fields) == 0 {
		return Update{}, dynaplanErrors.ErrNoChanges
	}
	sort.Strings(fields)

	b := NewBuilder()
	for _, field := range fields {
		if err := b.AddUpdateSet(b.segment(field), values[field]); err != nil {
			return Update{}, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return updateFrom(b), nil
}
