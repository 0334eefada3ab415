package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
)

// DefaultPageSize is the number of items the fake returns per page when the
// request carries no smaller limit
const DefaultPageSize = 1000

// BatchGetHook inspects one BatchGetItem call (numbered from 1) and returns the
// keys to leave unprocessed, or an error to fail the call
type BatchGetHook func(call int, table string, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error)

// MemoryDynamoDB is an in-memory DynamoDB fake. Key conditions support
// =, <, <=, >, >= and begins_with; filter and projection expressions are
// ignored so callers see every matching item with all attributes.
type MemoryDynamoDB struct {
	mu     sync.Mutex
	tables map[string]*memTable
	calls  map[string]int

	// PageSize caps items per Query or Scan page
	PageSize int
	// BatchGetHook, when set, is consulted on every BatchGetItem call
	BatchGetHook BatchGetHook
	// TransactErr, when set, fails TransactWriteItems without applying it
	TransactErr error
	// ScanErr, when set, fails Scan calls
	ScanErr error

	QueryInputs    []*dynamodb.QueryInput
	ScanInputs     []*dynamodb.ScanInput
	BatchGetInputs []*dynamodb.BatchGetItemInput
	Transactions   []*dynamodb.TransactWriteItemsInput
}

type memTable struct {
	schema core.ModelSchema
	items  []core.Record
	index  map[string]int
}

func newMemTable(schema core.ModelSchema) *memTable {
	return &memTable{schema: schema, index: make(map[string]int)}
}

func (t *memTable) clone() *memTable {
	c := &memTable{
		schema: t.schema,
		items:  make([]core.Record, len(t.items)),
		index:  make(map[string]int, len(t.index)),
	}
	copy(c.items, t.items)
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}

// NewMemoryDynamoDB creates an empty fake
func NewMemoryDynamoDB() *MemoryDynamoDB {
	return &MemoryDynamoDB{
		tables:   make(map[string]*memTable),
		calls:    make(map[string]int),
		PageSize: DefaultPageSize,
	}
}

// AddModel creates the table backing schema
func (m *MemoryDynamoDB) AddModel(schema core.ModelSchema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[schema.TableName()] = newMemTable(schema)
}

// Seed stores records in table. Values are normalized through the attribute
// value codec, so numbers come back as float64.
func (m *MemoryDynamoDB) Seed(table string, records ...core.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	for _, r := range records {
		item, err := expr.MarshalRecord(r)
		if err != nil {
			return err
		}
		if err := t.put(item); err != nil {
			return err
		}
	}
	return nil
}

// Items returns a copy of every record in table, in insertion order
func (m *MemoryDynamoDB) Items(table string) []core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]core.Record, len(t.items))
	copy(out, t.items)
	return out
}

// Calls returns how many times operation was invoked
func (m *MemoryDynamoDB) Calls(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[operation]
}

func (m *MemoryDynamoDB) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + name)}
	}
	return t, nil
}

// Query implements a paged keyed query
func (m *MemoryDynamoDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Query"]++
	m.QueryInputs = append(m.QueryInputs, params)

	t, err := m.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	key := core.IndexSchema{PartitionKey: t.schema.PrimaryKey.PartitionKey, SortKey: t.schema.PrimaryKey.SortKey}
	if name := aws.ToString(params.IndexName); name != "" {
		found := false
		for _, idx := range t.schema.Indexes {
			if idx.Name == name {
				key, found = idx, true
			}
		}
		if !found {
			return nil, &types.ResourceNotFoundException{Message: aws.String("index not found: " + name)}
		}
	}

	conditions, err := parseKeyCondition(aws.ToString(params.KeyConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var matched []core.Record
	for _, item := range t.items {
		if _, ok := item[key.PartitionKey]; !ok {
			continue
		}
		if conditions.match(item) {
			matched = append(matched, item)
		}
	}
	if key.SortKey != "" {
		expr.SortRecords(matched, key.SortKey, params.ScanIndexForward != nil && !*params.ScanIndexForward)
	} else if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		reverse(matched)
	}

	page, last, err := m.paginate(t, matched, params.ExclusiveStartKey, params.Limit)
	if err != nil {
		return nil, err
	}
	items, err := marshalAll(page)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{
		Items:            items,
		Count:            int32(len(items)),
		ScannedCount:     int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

// Scan implements a paged full scan in insertion order
func (m *MemoryDynamoDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Scan"]++
	m.ScanInputs = append(m.ScanInputs, params)

	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	t, err := m.table(aws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}

	page, last, err := m.paginate(t, t.items, params.ExclusiveStartKey, params.Limit)
	if err != nil {
		return nil, err
	}
	items, err := marshalAll(page)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{
		Items:            items,
		Count:            int32(len(items)),
		ScannedCount:     int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

// BatchGetItem returns the stored items for the requested keys
func (m *MemoryDynamoDB) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["BatchGetItem"]++
	call := m.calls["BatchGetItem"]
	m.BatchGetInputs = append(m.BatchGetInputs, params)

	output := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	for table, ka := range params.RequestItems {
		t, err := m.table(table)
		if err != nil {
			return nil, err
		}

		var unprocessed []map[string]types.AttributeValue
		if m.BatchGetHook != nil {
			unprocessed, err = m.BatchGetHook(call, table, ka.Keys)
			if err != nil {
				return nil, err
			}
		}
		skip := make(map[string]bool, len(unprocessed))
		for _, k := range unprocessed {
			rec, err := expr.UnmarshalRecord(k)
			if err != nil {
				return nil, err
			}
			skip[t.keyOf(rec)] = true
		}

		for _, k := range ka.Keys {
			rec, err := expr.UnmarshalRecord(k)
			if err != nil {
				return nil, err
			}
			id := t.keyOf(rec)
			if skip[id] {
				continue
			}
			if i := t.find(id); i >= 0 {
				item, err := expr.MarshalRecord(t.items[i])
				if err != nil {
					return nil, err
				}
				output.Responses[table] = append(output.Responses[table], item)
			}
		}
		if len(unprocessed) > 0 {
			output.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: unprocessed}
		}
	}
	return output, nil
}

// TransactWriteItems applies every operation or none
func (m *MemoryDynamoDB) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TransactWriteItems"]++
	m.Transactions = append(m.Transactions, params)

	if m.TransactErr != nil {
		return nil, m.TransactErr
	}

	// Apply against copies so a failing operation leaves every table untouched
	staged := make(map[string]*memTable, len(m.tables))
	for name, t := range m.tables {
		staged[name] = t.clone()
	}

	for _, op := range params.TransactItems {
		var err error
		switch {
		case op.Put != nil:
			err = applyPut(staged, aws.ToString(op.Put.TableName), op.Put.Item)
		case op.Update != nil:
			_, err = applyUpdate(staged, aws.ToString(op.Update.TableName), op.Update.Key,
				aws.ToString(op.Update.UpdateExpression), op.Update.ExpressionAttributeNames, op.Update.ExpressionAttributeValues)
		case op.Delete != nil:
			err = applyDelete(staged, aws.ToString(op.Delete.TableName), op.Delete.Key)
		}
		if err != nil {
			return nil, err
		}
	}

	m.tables = staged
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// PutItem stores an item, replacing any with the same key
func (m *MemoryDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PutItem"]++
	if err := applyPut(m.tables, aws.ToString(params.TableName), params.Item); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem applies an update expression and returns the new item
func (m *MemoryDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateItem"]++
	updated, err := applyUpdate(m.tables, aws.ToString(params.TableName), params.Key,
		aws.ToString(params.UpdateExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	attrs, err := expr.MarshalRecord(updated)
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: attrs}, nil
}

// DeleteItem removes an item; deleting a missing key is not an error
func (m *MemoryDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["DeleteItem"]++
	if err := applyDelete(m.tables, aws.ToString(params.TableName), params.Key); err != nil {
		return nil, err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// paginate slices records after startKey, at most limit (or PageSize) items
func (m *MemoryDynamoDB) paginate(t *memTable, records []core.Record, startKey map[string]types.AttributeValue, limit *int32) ([]core.Record, map[string]types.AttributeValue, error) {
	start := 0
	if len(startKey) > 0 {
		rec, err := expr.UnmarshalRecord(startKey)
		if err != nil {
			return nil, nil, err
		}
		id := t.keyOf(rec)
		start = len(records)
		for i, r := range records {
			if t.keyOf(r) == id {
				start = i + 1
				break
			}
		}
	}

	size := m.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if limit != nil && int(*limit) > 0 && int(*limit) < size {
		size = int(*limit)
	}

	end := start + size
	if end >= len(records) {
		return records[start:], nil, nil
	}
	last, err := expr.MarshalRecord(t.keyRecord(records[end-1]))
	if err != nil {
		return nil, nil, err
	}
	return records[start:end], last, nil
}

func (t *memTable) keyRecord(r core.Record) core.Record {
	key := core.Record{t.schema.PrimaryKey.PartitionKey: r[t.schema.PrimaryKey.PartitionKey]}
	if sk := t.schema.PrimaryKey.SortKey; sk != "" {
		key[sk] = r[sk]
	}
	return key
}

func (t *memTable) keyOf(r core.Record) string {
	id := core.KeyString(r[t.schema.PrimaryKey.PartitionKey])
	if sk := t.schema.PrimaryKey.SortKey; sk != "" {
		id += "|" + core.KeyString(r[sk])
	}
	return id
}

func (t *memTable) find(id string) int {
	if i, ok := t.index[id]; ok {
		return i
	}
	return -1
}

func (t *memTable) put(item map[string]types.AttributeValue) error {
	rec, err := expr.UnmarshalRecord(item)
	if err != nil {
		return err
	}
	if _, ok := rec[t.schema.PrimaryKey.PartitionKey]; !ok {
		return fmt.Errorf("item is missing key attribute %s", t.schema.PrimaryKey.PartitionKey)
	}
	id := t.keyOf(rec)
	if i := t.find(id); i >= 0 {
		t.items[i] = rec
		return nil
	}
	t.items = append(t.items, rec)
	t.index[id] = len(t.items) - 1
	return nil
}

func (t *memTable) remove(id string) {
	i := t.find(id)
	if i < 0 {
		return
	}
	t.items = append(t.items[:i:i], t.items[i+1:]...)
	t.index = make(map[string]int, len(t.items))
	for j, r := range t.items {
		t.index[t.keyOf(r)] = j
	}
}

func applyPut(tables map[string]*memTable, table string, item map[string]types.AttributeValue) error {
	t, ok := tables[table]
	if !ok {
		return &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
	}
	return t.put(item)
}

func applyDelete(tables map[string]*memTable, table string, key map[string]types.AttributeValue) error {
	t, ok := tables[table]
	if !ok {
		return &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
	}
	rec, err := expr.UnmarshalRecord(key)
	if err != nil {
		return err
	}
	t.remove(t.keyOf(rec))
	return nil
}

func marshalAll(records []core.Record) ([]map[string]types.AttributeValue, error) {
	items := make([]map[string]types.AttributeValue, 0, len(records))
	for _, r := range records {
		item, err := expr.MarshalRecord(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func reverse(records []core.Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}

type keyTerm struct {
	field string
	op    string
	value any
}

// keyCondition is a parsed key condition expression
type keyCondition []keyTerm

func (kc keyCondition) match(r core.Record) bool {
	for _, c := range kc {
		actual, ok := r[c.field]
		if !ok {
			return false
		}
		switch c.op {
		case "=":
			if !expr.Equal(actual, c.value) {
				return false
			}
		case "begins_with":
			s, sok := actual.(string)
			prefix, pok := c.value.(string)
			if !sok || !pok || !strings.HasPrefix(s, prefix) {
				return false
			}
		default:
			cmp, ok := expr.Compare(actual, c.value)
			if !ok {
				return false
			}
			switch c.op {
			case "<":
				ok = cmp < 0
			case "<=":
				ok = cmp <= 0
			case ">":
				ok = cmp > 0
			case ">=":
				ok = cmp >= 0
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

func parseKeyCondition(expression string, names map[string]string, values map[string]types.AttributeValue) (keyCondition, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("ValidationException: key condition expression is required")
	}
	resolveValue := func(token string) (any, error) {
		av, ok := values[token]
		if !ok {
			return nil, fmt.Errorf("ValidationException: unknown value placeholder %s", token)
		}
		return expr.ConvertFromAttributeValue(av)
	}

	var kc keyCondition
	for _, part := range strings.Split(expression, " AND ") {
		part = strings.TrimSpace(part)
		var field, op, raw string
		if strings.HasPrefix(part, "begins_with(") {
			args := strings.Split(strings.TrimSuffix(strings.TrimPrefix(part, "begins_with("), ")"), ",")
			if len(args) != 2 {
				return nil, fmt.Errorf("ValidationException: malformed condition %q", part)
			}
			field, op, raw = strings.TrimSpace(args[0]), "begins_with", strings.TrimSpace(args[1])
		} else {
			tokens := strings.Fields(part)
			if len(tokens) != 3 {
				return nil, fmt.Errorf("ValidationException: malformed condition %q", part)
			}
			field, op, raw = tokens[0], tokens[1], tokens[2]
		}
		if name, ok := names[field]; ok {
			field = name
		}
		v, err := resolveValue(raw)
		if err != nil {
			return nil, err
		}
		kc = append(kc, keyTerm{field: field, op: op, value: v})
	}
	return kc, nil
}
