package query

import (
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
)

// fieldSet collects field names in first-seen order
type fieldSet struct {
	order []string
	seen  map[string]bool
}

func (s *fieldSet) add(fields ...string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	for _, f := range fields {
		if f == "" || s.seen[f] {
			continue
		}
		s.seen[f] = true
		s.order = append(s.order, f)
	}
}

// pushdownFields returns the attributes to request from the store: the
// selected fields plus every field the client-side stages read. It is nil
// when no projection was requested.
func pushdownFields(plan *core.Plan) []string {
	if len(plan.Projection) == 0 {
		return nil
	}
	var set fieldSet
	set.add(plan.Projection...)
	for _, p := range plan.Predicates {
		set.add(p.Field)
	}
	if plan.Sort != nil {
		set.add(plan.Sort.Field)
	}
	for _, j := range plan.Joins {
		set.add(j.FromField)
	}
	return set.order
}

// keyFields is the minimal projection for counting: key and predicate fields
func keyFields(plan *core.Plan) []string {
	var set fieldSet
	set.add(plan.PrimaryKey.PartitionKey, plan.PrimaryKey.SortKey)
	for _, p := range plan.Predicates {
		set.add(p.Field)
	}
	return set.order
}

// project trims records to the selected fields, keeping join correlation
// fields and attached relations
func project(records []core.Record, plan *core.Plan) []core.Record {
	if len(plan.Projection) == 0 {
		return records
	}
	var set fieldSet
	for _, f := range plan.Projection {
		set.add(topLevel(f))
	}
	for _, j := range plan.Joins {
		set.add(topLevel(j.FromField), j.As)
	}

	out := make([]core.Record, len(records))
	for i, r := range records {
		projected := make(core.Record, len(set.order))
		for _, f := range set.order {
			if v, ok := r[f]; ok {
				projected[f] = v
			}
		}
		out[i] = projected
	}
	return out
}

func topLevel(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[:i]
	}
	return field
}
