package expr

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

func pred(field string, op core.Operator, value any) core.Predicate {
	return core.Predicate{Field: field, Operator: op, Value: value, Connector: core.And}
}

func orPred(field string, op core.Operator, value any) core.Predicate {
	p := pred(field, op, value)
	p.Connector = core.Or
	return p
}

func TestOperatorTableCoversEveryOperator(t *testing.T) {
	for _, op := range core.Operators {
		spec, err := lookup(op)
		require.NoError(t, err, "operator %s", op)
		require.NotNil(t, spec.eval, "operator %s has no evaluator", op)
	}
	assert.Len(t, operatorTable, len(core.Operators))
}

func TestRequiresClientFilter(t *testing.T) {
	for _, op := range core.Operators {
		assert.Equal(t, op == core.OpEndsWith, RequiresClientFilter(op), "operator %s", op)
	}
	assert.False(t, RequiresClientFilter(core.Operator("like")))
}

func TestFragments(t *testing.T) {
	tests := []struct {
		name string
		pred core.Predicate
		want string
	}{
		{"eq", pred("status", core.OpEq, "active"), "#n1 = :v1"},
		{"ne", pred("status", core.OpNe, "active"), "#n1 <> :v1"},
		{"gte", pred("age", core.OpGte, 18), "#n1 >= :v1"},
		{"in", pred("id", core.OpIn, []string{"a", "b"}), "#n1 IN (:v1, :v2)"},
		{"not in", pred("id", core.OpNotIn, []any{"a"}), "NOT (#n1 IN (:v1))"},
		{"contains", pred("tags", core.OpContains, "x"), "contains(#n1, :v1)"},
		{"starts with", pred("email", core.OpStartsWith, "a"), "begins_with(#n1, :v1)"},
		{"nested", pred("profile.city", core.OpEq, "x"), "#n1.#n2 = :v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewBuilder().Fragment(tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFragmentErrors(t *testing.T) {
	_, err := NewBuilder().Fragment(pred("email", core.OpEndsWith, "x"))
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeInvalidOperator))

	_, err = NewBuilder().Fragment(pred("email", core.Operator("like"), "x"))
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidOperator)

	tooMany := make([]int, 101)
	_, err = NewBuilder().Fragment(pred("id", core.OpIn, tooMany))
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)

	b := NewBuilder()
	_, err = b.Fragment(pred("id", core.OpEq, make(chan int)))
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)
	_, err = b.Fragment(pred("id", core.OpIn, []any{"a", make(chan int)}))
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)
	_, err = b.Fragment(pred("name", core.OpContains, func() {}))
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)
	next, err := b.Fragment(pred("id", core.OpEq, "a"))
	require.NoError(t, err)
	assert.Equal(t, "#n1 = :v2", next, "only marshalled values take a placeholder")
}

func TestBuildFilterGroups(t *testing.T) {
	b := NewBuilder()
	filter, err := b.BuildFilter([]core.Predicate{
		pred("a", core.OpEq, 1),
		orPred("b", core.OpEq, 2),
		pred("c", core.OpGt, 3),
		orPred("d", core.OpLt, 4),
	})
	require.NoError(t, err)
	assert.Equal(t, "(#n1 = :v1 AND #n3 > :v3) AND (#n2 = :v2 OR #n4 < :v4)", filter)

	components := b.Build()
	assert.Equal(t, "a", components.ExpressionAttributeNames["#n1"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, components.ExpressionAttributeValues[":v1"])

	onlyOr, err := NewBuilder().BuildFilter([]core.Predicate{orPred("a", core.OpEq, 1), orPred("b", core.OpEq, 2)})
	require.NoError(t, err)
	assert.Equal(t, "(#n1 = :v1 OR #n2 = :v2)", onlyOr)

	empty, err := NewBuilder().BuildFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestKeyConditions(t *testing.T) {
	b := NewBuilder()
	sortPred := pred("createdAt", core.OpGte, 100)
	require.NoError(t, b.AddKeyConditions(&core.KeyCondition{
		Partition: pred("userId", core.OpEq, "u1"),
		Sort:      &sortPred,
	}))
	assert.Equal(t, "#n1 = :v1 AND #n2 >= :v2", b.Build().KeyConditionExpression)

	err := NewBuilder().AddKeyConditions(nil)
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeMissingKeyCondition))

	err = NewBuilder().AddKeyConditions(&core.KeyCondition{Partition: pred("userId", core.OpIn, []string{"a"})})
	assert.True(t, dynaplanErrors.IsCode(err, dynaplanErrors.CodeMissingKeyCondition))
}

func TestEvaluate(t *testing.T) {
	record := core.Record{
		"id":     "u1",
		"age":    float64(30),
		"email":  "ada@example.com",
		"tags":   []any{"admin", "ops"},
		"active": true,
		"profile": map[string]any{
			"city": "Lisbon",
		},
	}

	tests := []struct {
		name  string
		preds []core.Predicate
		want  bool
	}{
		{"empty", nil, true},
		{"eq int vs float", []core.Predicate{pred("age", core.OpEq, 30)}, true},
		{"ne missing", []core.Predicate{pred("nickname", core.OpNe, "x")}, true},
		{"gt", []core.Predicate{pred("age", core.OpGt, 29)}, true},
		{"lte", []core.Predicate{pred("age", core.OpLte, 29)}, false},
		{"heterogeneous compare", []core.Predicate{pred("age", core.OpGt, "29")}, false},
		{"compare missing", []core.Predicate{pred("score", core.OpLt, 10)}, false},
		{"in array", []core.Predicate{pred("id", core.OpIn, []string{"u0", "u1"})}, true},
		{"in scalar", []core.Predicate{pred("id", core.OpIn, "u1")}, true},
		{"not in", []core.Predicate{pred("id", core.OpNotIn, []string{"u1"})}, false},
		{"contains string", []core.Predicate{pred("email", core.OpContains, "@example")}, true},
		{"contains list", []core.Predicate{pred("tags", core.OpContains, "ops")}, true},
		{"contains scalar", []core.Predicate{pred("age", core.OpContains, 30)}, false},
		{"starts with", []core.Predicate{pred("email", core.OpStartsWith, "ada")}, true},
		{"ends with", []core.Predicate{pred("email", core.OpEndsWith, ".com")}, true},
		{"ends with non string", []core.Predicate{pred("age", core.OpEndsWith, "0")}, false},
		{"nested", []core.Predicate{pred("profile.city", core.OpEq, "Lisbon")}, true},
		{"unknown operator", []core.Predicate{pred("id", core.Operator("like"), "u1")}, false},
		{"and fails", []core.Predicate{pred("id", core.OpEq, "u1"), pred("active", core.OpEq, false)}, false},
		{"or matches", []core.Predicate{orPred("id", core.OpEq, "x"), orPred("age", core.OpEq, 30)}, true},
		{"or none", []core.Predicate{orPred("id", core.OpEq, "x"), orPred("age", core.OpEq, 31)}, false},
		{"and with or", []core.Predicate{pred("active", core.OpEq, true), orPred("id", core.OpEq, "x"), orPred("id", core.OpEq, "u1")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Evaluate(record, tt.preds)
			second := Evaluate(record, tt.preds)
			assert.Equal(t, tt.want, first)
			assert.Equal(t, first, second, "evaluation must be idempotent")
		})
	}
}

func TestSortRecordsStable(t *testing.T) {
	records := []core.Record{
		{"id": "a", "n": 2},
		{"id": "b"},
		{"id": "c", "n": 1},
		{"id": "d", "n": 2},
	}
	SortRecords(records, "n", false)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r["id"].(string)
	}
	assert.Equal(t, []string{"c", "a", "d", "b"}, ids)

	SortRecords(records, "n", true)
	assert.Equal(t, "a", records[0]["id"])
	assert.Equal(t, "d", records[1]["id"])
}

func TestFlatUpdate(t *testing.T) {
	update, err := FlatUpdate(map[string]any{"name": "Ada", "age": 31, "skip": core.Undefined})
	require.NoError(t, err)
	assert.Equal(t, "SET #n1 = :v1, #n2 = :v2", update.Expression)
	assert.Equal(t, map[string]string{"#n1": "age", "#n2": "name"}, update.Names)
	assert.Len(t, update.Values, 2)

	_, err = FlatUpdate(map[string]any{"skip": core.Undefined})
	assert.ErrorIs(t, err, dynaplanErrors.ErrNoChanges)

	_, err = FlatUpdate(map[string]any{"hook": make(chan int)})
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)
	_, err = PatchUpdate(core.Record{"hook": 1}, core.Record{"hook": make(chan int)})
	assert.ErrorIs(t, err, dynaplanErrors.ErrInvalidValue)
}

func TestPatchUpdateNumericDelta(t *testing.T) {
	update, err := PatchUpdate(core.Record{"id": "x", "count": 20}, core.Record{"id": "x", "count": 21})
	require.NoError(t, err)
	assert.Equal(t, "ADD #n1 :v1", update.Expression)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, update.Values[":v1"])
	assert.NotContains(t, update.Expression, "SET")

	update, err = PatchUpdate(core.Record{"count": float64(5)}, core.Record{"count": float64(2.5)})
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "-2.5"}, update.Values[":v1"])
}

func TestPatchUpdateClauses(t *testing.T) {
	prev := core.Record{
		"id":      "x",
		"name":    "old",
		"gone":    "bye",
		"visits":  3,
		"profile": map[string]any{"city": "Porto", "zip": "4000", "score": 1},
		"tags":    []any{"a", "b", "c"},
	}
	next := core.Record{
		"id":      "x",
		"name":    "new",
		"gone":    core.Undefined,
		"visits":  5,
		"profile": map[string]any{"city": "Lisbon", "score": 4},
		"tags":    []any{"a", "z"},
	}
	update, err := PatchUpdate(prev, next)
	require.NoError(t, err)
	assert.Equal(t,
		"REMOVE #n1, #n3.#n6, #n7[2] ADD #n8 :v5 SET #n2 = :v1, #n3.#n4 = :v2, #n3.#n5 = #n3.#n5 + :v3, #n7[1] = :v4",
		update.Expression)
	assert.Equal(t, "gone", update.Names["#n1"])
	assert.Equal(t, "visits", update.Names["#n8"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "2"}, update.Values[":v5"])
}

func TestPatchUpdateNoChanges(t *testing.T) {
	prev := core.Record{"id": "x", "n": 1, "m": map[string]any{"a": []any{1, 2}}}
	next := core.Record{"id": "x", "n": float64(1), "m": map[string]any{"a": []any{1, 2}}}
	_, err := PatchUpdate(prev, next)
	assert.ErrorIs(t, err, dynaplanErrors.ErrNoChanges)
}

func TestDiffReplacesWholeObjectOnKindChange(t *testing.T) {
	changes := Diff(
		core.Record{"profile": map[string]any{"city": "Porto", "zip": "4000"}},
		core.Record{"profile": "none"},
	)
	require.Len(t, changes, 1)
	assert.Equal(t, "profile", changes[0].String())
	assert.Equal(t, ChangeSet, changes[0].Kind)

	changes = Diff(core.Record{"profile": map[string]any{"city": "Porto"}}, core.Record{})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRemove, changes[0].Kind)
}

func TestPatchRoundTrip(t *testing.T) {
	cases := []struct {
		prev, next core.Record
	}{
		{core.Record{"count": 20}, core.Record{"count": 21}},
		{core.Record{"a": "x", "b": 1}, core.Record{"a": "y", "c": true}},
		{
			core.Record{"m": map[string]any{"k": []any{1, map[string]any{"z": 1}}}, "l": []any{1, 2, 3}},
			core.Record{"m": map[string]any{"k": []any{2, map[string]any{"z": 3, "w": "new"}}}, "l": []any{1}},
		},
		{core.Record{"x": map[string]any{"a": 1}}, core.Record{"x": []any{"now", "a", "list"}}},
	}
	for _, tc := range cases {
		changes := Diff(tc.prev, tc.next)
		require.NotEmpty(t, changes)
		applied := applyChanges(t, deepCopy(tc.prev).(map[string]any), changes)
		assert.True(t, Equal(map[string]any(tc.next), applied), "got %v want %v", applied, tc.next)
	}
}

// applyChanges replays changes the way the store applies REMOVE/ADD/SET
func applyChanges(t *testing.T, record map[string]any, changes []Change) map[string]any {
	t.Helper()
	// Removals of list elements are applied highest index first so earlier indexes stay valid.
	var removes, others []Change
	for _, c := range changes {
		if c.Kind == ChangeRemove {
			removes = append([]Change{c}, removes...)
		} else {
			others = append(others, c)
		}
	}
	for _, c := range append(others, removes...) {
		parent := resolveParent(t, record, c.Path)
		last := c.Path[len(c.Path)-1]
		var current any
		if last.IsIndex {
			list := parent.get().([]any)
			if last.Index < len(list) {
				current = list[last.Index]
			}
		} else {
			current = parent.get().(map[string]any)[last.Key]
		}
		switch c.Kind {
		case ChangeRemove:
			if last.IsIndex {
				list := parent.get().([]any)
				parent.set(append(list[:last.Index:last.Index], list[last.Index+1:]...))
			} else {
				delete(parent.get().(map[string]any), last.Key)
			}
		case ChangeDelta:
			a, _ := core.ToFloat(current)
			d, _ := core.ToFloat(c.Value)
			setAt(parent, last, a+d)
		default:
			setAt(parent, last, c.Value)
		}
	}
	return record
}

type container struct {
	get func() any
	set func(any)
}

func resolveParent(t *testing.T, record map[string]any, path []PathSegment) container {
	t.Helper()
	c := container{get: func() any { return record }, set: func(any) { t.Fatal("cannot replace root") }}
	for _, seg := range path[:len(path)-1] {
		parent, seg := c, seg
		if seg.IsIndex {
			c = container{
				get: func() any { return parent.get().([]any)[seg.Index] },
				set: func(v any) { parent.get().([]any)[seg.Index] = v },
			}
		} else {
			c = container{
				get: func() any { return parent.get().(map[string]any)[seg.Key] },
				set: func(v any) { parent.get().(map[string]any)[seg.Key] = v },
			}
		}
	}
	return c
}

func setAt(parent container, seg PathSegment, v any) {
	if !seg.IsIndex {
		parent.get().(map[string]any)[seg.Key] = v
		return
	}
	list := parent.get().([]any)
	if seg.Index < len(list) {
		list[seg.Index] = v
		return
	}
	parent.set(append(list, v))
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case core.Record:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = deepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopy(x)
		}
		return out
	}
	return v
}
