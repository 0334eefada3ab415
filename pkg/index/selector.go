package index

import (
	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
)

// PrimaryIndex is the name used for the table's own key schema
const PrimaryIndex = ""

// Selector helps select the optimal index for a query
type Selector struct {
	model core.ModelSchema
}

// NewSelector creates a new index selector for one model
func NewSelector(model core.ModelSchema) *Selector {
	return &Selector{model: model}
}

// Choice is a selected index together with the key condition it supports
type Choice struct {
	Index     core.IndexSchema
	Partition int // position of the partition predicate in the input
	Sort      int // position of the sort predicate, or -1
}

// Primary returns the table key schema as an index descriptor
func (s *Selector) Primary() core.IndexSchema {
	return core.IndexSchema{
		Name:         PrimaryIndex,
		PartitionKey: s.model.PrimaryKey.PartitionKey,
		SortKey:      s.model.PrimaryKey.SortKey,
	}
}

// ForPrimaryKey returns a choice for the table key when predicate i is an
// equality on the partition key
func (s *Selector) ForPrimaryKey(predicates []core.Predicate, i int) Choice {
	idx := s.Primary()
	return Choice{Index: idx, Partition: i, Sort: sortPredicate(idx, predicates, i)}
}

// ForSecondaryField selects the best secondary index partitioned on
// predicates[i].Field. Composite indexes whose sort key also has an equality
// predicate win over single-field ones; ties keep declaration order.
func (s *Selector) ForSecondaryField(predicates []core.Predicate, i int, sort *core.SortSpec) (Choice, bool) {
	field := predicates[i].Field
	best := Choice{Sort: -1}
	bestScore := 0
	for _, idx := range s.model.Indexes {
		if idx.PartitionKey != field {
			continue
		}
		sortAt := sortPredicate(idx, predicates, i)
		score := scoreIndex(idx, predicates, sortAt, sort)
		if score > bestScore {
			bestScore = score
			best = Choice{Index: idx, Partition: i, Sort: sortAt}
		}
	}
	return best, bestScore > 0
}

// scoreIndex calculates a score for how well an index matches the predicates
func scoreIndex(idx core.IndexSchema, predicates []core.Predicate, sortAt int, sort *core.SortSpec) int {
	score := 100 // Base score for partition key match

	if sortAt >= 0 {
		switch predicates[sortAt].Operator {
		case core.OpEq:
			score += 50 // Exact match on sort key
		case core.OpStartsWith:
			score += 40 // Prefix match
		default:
			score += 30 // Range query
		}
	}

	// Ordering can be served by the index
	if sort != nil && idx.SortKey != "" && idx.SortKey == sort.Field {
		score += 20
	}

	return score
}

// sortPredicate finds the first predicate usable as a sort key condition on idx
func sortPredicate(idx core.IndexSchema, predicates []core.Predicate, partition int) int {
	if idx.SortKey == "" {
		return -1
	}
	for i, p := range predicates {
		if i == partition || p.Field != idx.SortKey || p.Connector == core.Or {
			continue
		}
		switch p.Operator {
		case core.OpEq, core.OpGt, core.OpGte, core.OpLt, core.OpLte, core.OpStartsWith:
			if !expr.IsSlice(p.Value) {
				return i
			}
		}
	}
	return -1
}

// SortPushdown reports whether the requested ordering matches the index sort key
func SortPushdown(idx core.IndexSchema, sort *core.SortSpec) bool {
	return sort != nil && idx.SortKey != "" && idx.SortKey == sort.Field
}
