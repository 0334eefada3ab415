package expr

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaplan/pkg/core"
)

// ConvertToAttributeValue converts a Go value to a DynamoDB AttributeValue
func ConvertToAttributeValue(value any) (types.AttributeValue, error) {
	if value == nil || core.IsUndefined(value) {
		return &types.AttributeValueMemberNULL{Value: true}, nil
	}
	av, err := attributevalue.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("unsupported value %T: %w", value, err)
	}
	// chan and func values encode to nothing
	if av == nil {
		return nil, fmt.Errorf("unsupported value %T", value)
	}
	return av, nil
}

// ConvertFromAttributeValue converts a DynamoDB AttributeValue to a plain Go value
func ConvertFromAttributeValue(av types.AttributeValue) (any, error) {
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalRecord converts a record into a DynamoDB item, dropping Undefined fields
func MarshalRecord(record core.Record) (map[string]types.AttributeValue, error) {
	clean := make(map[string]any, len(record))
	for k, v := range record {
		if core.IsUndefined(v) {
			continue
		}
		clean[k] = v
	}
	return attributevalue.MarshalMap(clean)
}

// UnmarshalRecord converts a DynamoDB item into a record
func UnmarshalRecord(item map[string]types.AttributeValue) (core.Record, error) {
	record := make(core.Record, len(item))
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// UnmarshalRecords converts a page of DynamoDB items into records
func UnmarshalRecords(items []map[string]types.AttributeValue) ([]core.Record, error) {
	records := make([]core.Record, 0, len(items))
	for _, item := range items {
		record, err := UnmarshalRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
