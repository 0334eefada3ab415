// Package core defines the core types shared by the dynaplan planner, executor and transaction buffer
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a plain in-memory item as returned to callers
type Record = map[string]any

// undefinedValue marks a field that should be treated as absent
type undefinedValue struct{}

func (undefinedValue) String() string { return "undefined" }

// Undefined is a field value meaning "not set". Flat updates skip it and patch
// updates treat it the same as a missing key.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined marker
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Operator is a predicate comparison operator
type Operator string

// Supported operators
const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
)

// Operators lists every supported operator in declaration order
var Operators = []Operator{
	OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpContains, OpStartsWith, OpEndsWith,
}

// Connector joins a predicate to its siblings
type Connector string

// Supported connectors
const (
	And Connector = "AND"
	Or  Connector = "OR"
)

// Where is a raw predicate as supplied by a caller. Operator and Connector may be empty.
type Where struct {
	Field     string `json:"field" yaml:"field"`
	Operator  string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value     any    `json:"value" yaml:"value"`
	Connector string `json:"connector,omitempty" yaml:"connector,omitempty"`
}

// Predicate is a normalized predicate
type Predicate struct {
	Field                string
	Operator             Operator
	Value                any
	Connector            Connector
	RequiresClientFilter bool
}

// String renders the predicate for diagnostics
func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %v", p.Field, p.Operator, p.Value)
}

// StrategyKind tags an execution strategy
type StrategyKind int

// Strategy kinds
const (
	StrategyScan StrategyKind = iota
	StrategyPrimaryKeyQuery
	StrategySecondaryIndexQuery
	StrategyMultiQuery
	StrategyBatchGet
)

// String returns the strategy kind name
func (k StrategyKind) String() string {
	switch k {
	case StrategyPrimaryKeyQuery:
		return "PrimaryKeyQuery"
	case StrategySecondaryIndexQuery:
		return "SecondaryIndexQuery"
	case StrategyMultiQuery:
		return "MultiQuery"
	case StrategyBatchGet:
		return "BatchGet"
	default:
		return "Scan"
	}
}

// Strategy is a resolved access strategy. IndexName is set for
// SecondaryIndexQuery and MultiQuery; FanOutField only for MultiQuery.
type Strategy struct {
	Kind        StrategyKind
	IndexName   string
	FanOutField string
}

// String renders the strategy with its parameters
func (s Strategy) String() string {
	switch s.Kind {
	case StrategySecondaryIndexQuery:
		return fmt.Sprintf("%s{%s}", s.Kind, s.IndexName)
	case StrategyMultiQuery:
		return fmt.Sprintf("%s{%s, %s}", s.Kind, s.IndexName, s.FanOutField)
	default:
		return s.Kind.String()
	}
}

// Scan returns the scan strategy
func Scan() Strategy { return Strategy{Kind: StrategyScan} }

// PrimaryKeyQuery returns the primary-key query strategy
func PrimaryKeyQuery() Strategy { return Strategy{Kind: StrategyPrimaryKeyQuery} }

// SecondaryIndexQuery returns a secondary-index query strategy
func SecondaryIndexQuery(indexName string) Strategy {
	return Strategy{Kind: StrategySecondaryIndexQuery, IndexName: indexName}
}

// MultiQuery returns a per-value fan-out strategy over an index
func MultiQuery(indexName, fanOutField string) Strategy {
	return Strategy{Kind: StrategyMultiQuery, IndexName: indexName, FanOutField: fanOutField}
}

// BatchGet returns the batched point-get strategy
func BatchGet() Strategy { return Strategy{Kind: StrategyBatchGet} }

// SortSpec describes requested ordering
type SortSpec struct {
	Field      string `json:"field" yaml:"field"`
	Descending bool   `json:"descending,omitempty" yaml:"descending,omitempty"`
}

// Cardinality of a join
type Cardinality string

// Join cardinalities
const (
	OneToOne  Cardinality = "one-to-one"
	OneToMany Cardinality = "one-to-many"
)

// JoinRequest is a caller-supplied relation to resolve
type JoinRequest struct {
	Model       string      `json:"model" yaml:"model"`
	As          string      `json:"as,omitempty" yaml:"as,omitempty"`
	Cardinality Cardinality `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	From        string      `json:"from" yaml:"from"`
	To          string      `json:"to" yaml:"to"`
	Limit       int         `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// JoinSpec is a planned join. Strategy is resolved once correlation values are known.
type JoinSpec struct {
	Model       string
	Table       string
	PrimaryKey  KeySchema
	As          string
	Cardinality Cardinality
	FromField   string
	ToField     string
	Limit       int
	Strategy    Strategy
}

// Request is a record query as issued by the host adapter
type Request struct {
	Model  string        `json:"model" yaml:"model"`
	Where  []Where       `json:"where,omitempty" yaml:"where,omitempty"`
	Select []string      `json:"select,omitempty" yaml:"select,omitempty"`
	SortBy *SortSpec     `json:"sortBy,omitempty" yaml:"sortBy,omitempty"`
	Limit  int           `json:"limit,omitempty" yaml:"limit,omitempty"`
	Offset int           `json:"offset,omitempty" yaml:"offset,omitempty"`
	Join   []JoinRequest `json:"join,omitempty" yaml:"join,omitempty"`
}

// KeyCondition is the push-down key condition chosen for a keyed strategy
type KeyCondition struct {
	IndexName string // empty for the table's primary key
	Partition Predicate
	Sort      *Predicate
}

// Plan is a query plan. It is built per call and discarded after use.
type Plan struct {
	Model      string
	Table      string
	PrimaryKey KeySchema
	Predicates []Predicate
	Projection []string
	Sort       *SortSpec
	Limit      int
	Offset     int
	Joins      []JoinSpec

	Strategy Strategy
	// KeyCondition is nil for Scan and BatchGet
	KeyCondition *KeyCondition
	// Residual holds the predicates not consumed by the key condition
	Residual []Predicate
	// BatchKeys holds the membership values for BatchGet
	BatchKeys []any

	SortPushedDown  bool
	ScanForward     bool
	HasOrConnector  bool
	HasClientOnly   bool
	NeedsClientSort bool
}

// RequiresClientFilter reports whether results must be filtered in memory
func (p *Plan) RequiresClientFilter() bool {
	if p.HasClientOnly {
		return true
	}
	return p.Strategy.Kind == StrategyBatchGet && len(p.Residual) > 0
}

// FetchLimit returns the server-side item budget, or 0 when pagination must run to exhaustion
func (p *Plan) FetchLimit() int {
	if p.Limit <= 0 || p.RequiresClientFilter() || p.NeedsClientSort {
		return 0
	}
	return p.Limit + p.Offset
}

// KeySchema represents a primary key or index key schema
type KeySchema struct {
	PartitionKey string `json:"partitionKey" yaml:"partitionKey" validate:"required"`
	SortKey      string `json:"sortKey,omitempty" yaml:"sortKey,omitempty"` // optional
}

// IndexSchema represents a secondary index schema
type IndexSchema struct {
	Name         string `json:"name" yaml:"name" validate:"required"`
	PartitionKey string `json:"partitionKey" yaml:"partitionKey" validate:"required"`
	SortKey      string `json:"sortKey,omitempty" yaml:"sortKey,omitempty"`
}

// Composite reports whether the index has a sort key component
func (i IndexSchema) Composite() bool {
	return i.SortKey != ""
}

// ModelSchema maps a model to its table, primary key and secondary indexes
type ModelSchema struct {
	Name       string        `json:"name" yaml:"name" validate:"required"`
	Table      string        `json:"table" yaml:"table"`
	PrimaryKey KeySchema     `json:"primaryKey" yaml:"primaryKey"`
	Indexes    []IndexSchema `json:"indexes,omitempty" yaml:"indexes,omitempty" validate:"dive"`
}

// TableName returns the table backing the model, defaulting to the model name
func (m ModelSchema) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return m.Name
}

// KeyString returns a canonical string for a key value so that equal keys of
// different numeric Go types collide
func KeyString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "s:" + t
	case []byte:
		return "b:" + string(t)
	case bool:
		return "t:" + strconv.FormatBool(t)
	}
	if f, ok := ToFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "v:" + fmt.Sprint(v)
}

// ToFloat converts any Go numeric value to float64
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ParseConnector defaults to AND, case-insensitively
func ParseConnector(raw string) Connector {
	if strings.EqualFold(strings.TrimSpace(raw), string(Or)) {
		return Or
	}
	return And
}
