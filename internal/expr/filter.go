package expr

import (
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// BuildFilter renders predicates as a filter expression of the form
// (AND-group) AND (OR-group). Empty groups are omitted; with no predicates the
// result is "".
func (b *Builder) BuildFilter(predicates []core.Predicate) (string, error) {
	var ands, ors []string
	for _, p := range predicates {
		fragment, err := b.Fragment(p)
		if err != nil {
			return "", err
		}
		if p.Connector == core.Or {
			ors = append(ors, fragment)
		} else {
			ands = append(ands, fragment)
		}
	}

	var groups []string
	if len(ands) > 0 {
		groups = append(groups, "("+strings.Join(ands, " AND ")+")")
	}
	if len(ors) > 0 {
		groups = append(groups, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(groups, " AND "), nil
}

// AddFilterPredicates renders predicates and adds them as the filter expression
func (b *Builder) AddFilterPredicates(predicates []core.Predicate) error {
	filter, err := b.BuildFilter(predicates)
	if err != nil {
		return err
	}
	b.AddFilter(filter)
	return nil
}

// AddKeyConditions adds the partition (and optional sort) condition of kc
func (b *Builder) AddKeyConditions(kc *core.KeyCondition) error {
	if kc == nil {
		return dynaplanErrors.ErrMissingKeyCondition
	}
	if kc.Partition.Operator != core.OpEq {
		return dynaplanErrors.Errorf(dynaplanErrors.ErrMissingKeyCondition, "partition condition on %s must be equality", kc.Partition.Field)
	}
	if err := b.AddKeyCondition(kc.Partition); err != nil {
		return err
	}
	if kc.Sort != nil {
		return b.AddKeyCondition(*kc.Sort)
	}
	return nil
}
