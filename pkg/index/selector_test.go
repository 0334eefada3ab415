package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaplan/pkg/core"
)

var posts = core.ModelSchema{
	Name:       "posts",
	PrimaryKey: core.KeySchema{PartitionKey: "tenant", SortKey: "id"},
	Indexes: []core.IndexSchema{
		{Name: "byEmail", PartitionKey: "email"},
		{Name: "byAuthor", PartitionKey: "authorId", SortKey: "createdAt"},
		{Name: "byAuthorStatus", PartitionKey: "authorId", SortKey: "status"},
	},
}

func eq(field string, value any) core.Predicate {
	return core.Predicate{Field: field, Operator: core.OpEq, Value: value}
}

func TestForSecondaryField(t *testing.T) {
	s := NewSelector(posts)

	tests := []struct {
		name       string
		predicates []core.Predicate
		sort       *core.SortSpec
		index      string
		sortAt     int
	}{
		{
			name:       "composite equality wins",
			predicates: []core.Predicate{eq("authorId", "u1"), eq("status", "draft")},
			index:      "byAuthorStatus",
			sortAt:     1,
		},
		{
			name:       "range on sort key",
			predicates: []core.Predicate{eq("authorId", "u1"), {Field: "createdAt", Operator: core.OpGt, Value: "2024"}},
			index:      "byAuthor",
			sortAt:     1,
		},
		{
			name:       "ordering served by index",
			predicates: []core.Predicate{eq("authorId", "u1")},
			sort:       &core.SortSpec{Field: "status"},
			index:      "byAuthorStatus",
			sortAt:     -1,
		},
		{
			name:       "list values are not key conditions",
			predicates: []core.Predicate{eq("authorId", "u1"), {Field: "status", Operator: core.OpEq, Value: []any{"a", "b"}}},
			index:      "byAuthor",
			sortAt:     -1,
		},
		{
			name:       "typed slices are not key conditions",
			predicates: []core.Predicate{eq("authorId", "u1"), {Field: "status", Operator: core.OpGte, Value: []int32{1, 2}}},
			index:      "byAuthor",
			sortAt:     -1,
		},
		{
			name:       "or predicates are not key conditions",
			predicates: []core.Predicate{eq("authorId", "u1"), {Field: "status", Operator: core.OpEq, Value: "a", Connector: core.Or}},
			index:      "byAuthor",
			sortAt:     -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			choice, ok := s.ForSecondaryField(tt.predicates, 0, tt.sort)
			require.True(t, ok)
			assert.Equal(t, tt.index, choice.Index.Name)
			assert.Equal(t, 0, choice.Partition)
			assert.Equal(t, tt.sortAt, choice.Sort)
		})
	}

	_, ok := s.ForSecondaryField([]core.Predicate{eq("title", "x")}, 0, nil)
	assert.False(t, ok)
}

func TestForPrimaryKey(t *testing.T) {
	s := NewSelector(posts)

	choice := s.ForPrimaryKey([]core.Predicate{
		{Field: "id", Operator: core.OpStartsWith, Value: "p"},
		eq("tenant", "t1"),
	}, 1)
	assert.Equal(t, PrimaryIndex, choice.Index.Name)
	assert.Equal(t, "tenant", choice.Index.PartitionKey)
	assert.Equal(t, 1, choice.Partition)
	assert.Equal(t, 0, choice.Sort)
}

func TestSortPushdown(t *testing.T) {
	idx := posts.Indexes[1]

	assert.True(t, SortPushdown(idx, &core.SortSpec{Field: "createdAt", Descending: true}))
	assert.False(t, SortPushdown(idx, &core.SortSpec{Field: "title"}))
	assert.False(t, SortPushdown(idx, nil))
	assert.False(t, SortPushdown(core.IndexSchema{PartitionKey: "email"}, &core.SortSpec{Field: "email"}))
}
