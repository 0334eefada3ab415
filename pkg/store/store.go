// Package store wraps the DynamoDB primitives the executor relies on: keyed
// query pages, scan pages, batched point-gets, transactions and single writes.
package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
	"github.com/pay-theory/dynaplan/pkg/validation"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store
type DynamoDBAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store issues single store commands. It holds no per-call state.
type Store struct {
	client DynamoDBAPI
	logger zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used for command tracing
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over client
func New(client DynamoDBAPI, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, dynaplanErrors.ErrMissingClient
	}
	s := &Store{client: client, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// QueryInput describes one page of a keyed query
type QueryInput struct {
	Table        string
	KeyCondition *core.KeyCondition
	Filter       []core.Predicate
	Projection   []string
	Limit        int
	ScanForward  bool
	StartKey     map[string]types.AttributeValue
}

// ScanInput describes one page of a full scan
type ScanInput struct {
	Table      string
	Filter     []core.Predicate
	Projection []string
	Limit      int
	StartKey   map[string]types.AttributeValue
}

// Page is a single page of results
type Page struct {
	Records []core.Record
	LastKey map[string]types.AttributeValue
	Scanned int
}

// HasMore reports whether the store returned a continuation token
func (p *Page) HasMore() bool {
	return len(p.LastKey) > 0
}

// QueryPage runs one page of a keyed query
func (s *Store) QueryPage(ctx context.Context, in QueryInput) (*Page, error) {
	builder := expr.NewBuilder()
	if err := builder.AddKeyConditions(in.KeyCondition); err != nil {
		return nil, dynaplanErrors.NewError("query", in.Table, err)
	}
	if err := builder.AddFilterPredicates(in.Filter); err != nil {
		return nil, dynaplanErrors.NewError("query", in.Table, err)
	}
	components := builder.Build()
	if err := checkExpressions(components.KeyConditionExpression, components.FilterExpression); err != nil {
		return nil, dynaplanErrors.NewError("query", in.Table, err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(in.Table),
		KeyConditionExpression:    aws.String(components.KeyConditionExpression),
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
		ScanIndexForward:          aws.Bool(in.ScanForward),
		ExclusiveStartKey:         in.StartKey,
	}
	if in.KeyCondition.IndexName != "" {
		input.IndexName = aws.String(in.KeyCondition.IndexName)
	}
	if components.FilterExpression != "" {
		input.FilterExpression = aws.String(components.FilterExpression)
	}
	if in.Limit > 0 {
		input.Limit = aws.Int32(int32(in.Limit))
	}
	projection, names, err := projectionExpression(in.Projection)
	if err != nil {
		return nil, dynaplanErrors.NewError("query", in.Table, err)
	}
	if projection != nil {
		input.ProjectionExpression = projection
		input.ExpressionAttributeNames = mergeNames(input.ExpressionAttributeNames, names)
	}

	output, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, mapError("query", in.Table, err)
	}

	records, err := expr.UnmarshalRecords(output.Items)
	if err != nil {
		return nil, dynaplanErrors.NewError("query", in.Table, err)
	}
	s.logger.Debug().
		Str("table", in.Table).
		Str("index", in.KeyCondition.IndexName).
		Int("items", len(records)).
		Bool("more", len(output.LastEvaluatedKey) > 0).
		Msg("query page")

	return &Page{Records: records, LastKey: output.LastEvaluatedKey, Scanned: int(output.ScannedCount)}, nil
}

// ScanPage runs one page of a full scan
func (s *Store) ScanPage(ctx context.Context, in ScanInput) (*Page, error) {
	builder := expr.NewBuilder()
	if err := builder.AddFilterPredicates(in.Filter); err != nil {
		return nil, dynaplanErrors.NewError("scan", in.Table, err)
	}
	components := builder.Build()
	if err := checkExpressions(components.FilterExpression); err != nil {
		return nil, dynaplanErrors.NewError("scan", in.Table, err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(in.Table),
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
		ExclusiveStartKey:         in.StartKey,
	}
	if components.FilterExpression != "" {
		input.FilterExpression = aws.String(components.FilterExpression)
	}
	if in.Limit > 0 {
		input.Limit = aws.Int32(int32(in.Limit))
	}
	projection, names, err := projectionExpression(in.Projection)
	if err != nil {
		return nil, dynaplanErrors.NewError("scan", in.Table, err)
	}
	if projection != nil {
		input.ProjectionExpression = projection
		input.ExpressionAttributeNames = mergeNames(input.ExpressionAttributeNames, names)
	}

	output, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, mapError("scan", in.Table, err)
	}

	records, err := expr.UnmarshalRecords(output.Items)
	if err != nil {
		return nil, dynaplanErrors.NewError("scan", in.Table, err)
	}
	s.logger.Debug().
		Str("table", in.Table).
		Int("items", len(records)).
		Bool("more", len(output.LastEvaluatedKey) > 0).
		Msg("scan page")

	return &Page{Records: records, LastKey: output.LastEvaluatedKey, Scanned: int(output.ScannedCount)}, nil
}

// BatchGetResult holds the records returned by one batched point-get and the
// key values the store left unprocessed
type BatchGetResult struct {
	Records     []core.Record
	Unprocessed []any
}

// BatchGet issues one BatchGetItem request for keys on keyField. It does not
// retry; unprocessed keys are returned to the caller.
func (s *Store) BatchGet(ctx context.Context, table, keyField string, keys []any, projection []string) (*BatchGetResult, error) {
	if len(keys) == 0 {
		return &BatchGetResult{}, nil
	}

	avKeys := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		av, err := expr.ConvertToAttributeValue(k)
		if err != nil {
			return nil, dynaplanErrors.NewError("batch get", table, dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidValue, "key %v: %v", k, err))
		}
		avKeys = append(avKeys, map[string]types.AttributeValue{keyField: av})
	}

	ka := types.KeysAndAttributes{Keys: avKeys}
	if len(projection) > 0 {
		fields := appendMissing(projection, keyField)
		projection, names, err := projectionExpression(fields)
		if err != nil {
			return nil, dynaplanErrors.NewError("batch get", table, err)
		}
		ka.ProjectionExpression = projection
		ka.ExpressionAttributeNames = names
	}

	output, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{table: ka},
	})
	if err != nil {
		return nil, mapError("batch get", table, err)
	}

	records, err := expr.UnmarshalRecords(output.Responses[table])
	if err != nil {
		return nil, dynaplanErrors.NewError("batch get", table, err)
	}

	result := &BatchGetResult{Records: records}
	if pending, ok := output.UnprocessedKeys[table]; ok {
		for _, key := range pending.Keys {
			v, err := expr.ConvertFromAttributeValue(key[keyField])
			if err != nil {
				return nil, dynaplanErrors.NewError("batch get", table, err)
			}
			result.Unprocessed = append(result.Unprocessed, v)
		}
	}

	s.logger.Debug().
		Str("table", table).
		Int("keys", len(keys)).
		Int("found", len(records)).
		Int("unprocessed", len(result.Unprocessed)).
		Msg("batch get")

	return result, nil
}

// Put writes a single record
func (s *Store) Put(ctx context.Context, table string, item core.Record) error {
	av, err := expr.MarshalRecord(item)
	if err != nil {
		return dynaplanErrors.NewError("put", table, err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}); err != nil {
		return mapError("put", table, err)
	}
	return nil
}

// Update applies update to the record identified by key and returns the
// record as stored afterwards
func (s *Store) Update(ctx context.Context, table string, key core.Record, update expr.Update) (core.Record, error) {
	avKey, err := expr.MarshalRecord(key)
	if err != nil {
		return nil, dynaplanErrors.NewError("update", table, err)
	}
	output, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       avKey,
		UpdateExpression:          aws.String(update.Expression),
		ExpressionAttributeNames:  update.Names,
		ExpressionAttributeValues: update.Values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return nil, mapError("update", table, err)
	}
	return expr.UnmarshalRecord(output.Attributes)
}

// Delete removes the record identified by key
func (s *Store) Delete(ctx context.Context, table string, key core.Record) error {
	avKey, err := expr.MarshalRecord(key)
	if err != nil {
		return dynaplanErrors.NewError("delete", table, err)
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       avKey,
	}); err != nil {
		return mapError("delete", table, err)
	}
	return nil
}

// projectionExpression renders fields as a projection expression. It returns a
// nil expression when no projection is requested.
func projectionExpression(fields []string) (*string, map[string]string, error) {
	if len(fields) == 0 {
		return nil, nil, nil
	}
	names := make([]expression.NameBuilder, 0, len(fields))
	for _, f := range fields {
		names = append(names, expression.Name(f))
	}
	proj := expression.NamesList(names[0], names[1:]...)
	built, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, nil, dynaplanErrors.Errorf(dynaplanErrors.ErrInvalidValue, "projection: %v", err)
	}
	return built.Projection(), built.Names(), nil
}

func checkExpressions(exprs ...string) error {
	for _, e := range exprs {
		if err := validation.ValidateExpression(e); err != nil {
			return err
		}
	}
	return nil
}

func mergeNames(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func appendMissing(fields []string, field string) []string {
	for _, f := range fields {
		if f == field {
			return fields
		}
	}
	out := make([]string, 0, len(fields)+1)
	out = append(out, fields...)
	return append(out, field)
}
