package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pay-theory/dynaplan/pkg/core"
	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// ChangeKind classifies a changed path
type ChangeKind int

// Change kinds, in rendering order
const (
	ChangeRemove ChangeKind = iota
	ChangeDelta
	ChangeSet
)

// PathSegment is a map key or, when IsIndex is set, a list index
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Change is one difference between two records
type Change struct {
	Path  []PathSegment
	Kind  ChangeKind
	Value any // new value for ChangeSet, signed difference for ChangeDelta
}

// String renders the path in document-path notation
func (c Change) String() string {
	var sb strings.Builder
	for i, seg := range c.Path {
		switch {
		case seg.IsIndex:
			fmt.Fprintf(&sb, "[%d]", seg.Index)
		case i > 0:
			sb.WriteString("." + seg.Key)
		default:
			sb.WriteString(seg.Key)
		}
	}
	return sb.String()
}

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindString
	kindBool
	kindMap
	kindList
	kindOther
)

func kindOf(v any) valueKind {
	if v == nil {
		return kindNull
	}
	if _, ok := core.ToFloat(v); ok {
		return kindNumber
	}
	switch v.(type) {
	case string:
		return kindString
	case bool:
		return kindBool
	case map[string]any:
		return kindMap
	}
	if IsSlice(v) {
		return kindList
	}
	return kindOther
}

// Diff walks prev and next and returns the changed paths. A value whose kind
// changed, including a map replaced by a scalar or removed as a whole, is
// reported once at its own path; the walk does not descend into it.
func Diff(prev, next core.Record) []Change {
	var changes []Change
	diffMap(nil, prev, next, &changes)
	return changes
}

func present(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || core.IsUndefined(v) {
		return nil, false
	}
	return v, true
}

func extend(path []PathSegment, seg PathSegment) []PathSegment {
	out := make([]PathSegment, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}

func diffMap(path []PathSegment, prev, next map[string]any, out *[]Change) {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		p, pok := present(prev, k)
		n, nok := present(next, k)
		diffValue(extend(path, PathSegment{Key: k}), p, pok, n, nok, out)
	}
}

func diffList(path []PathSegment, prev, next []any, out *[]Change) {
	size := len(prev)
	if len(next) > size {
		size = len(next)
	}
	for i := 0; i < size; i++ {
		var p, n any
		pok, nok := i < len(prev), i < len(next)
		if pok {
			p = prev[i]
		}
		if nok {
			n = next[i]
		}
		diffValue(extend(path, PathSegment{Index: i, IsIndex: true}), p, pok, n, nok, out)
	}
}

func diffValue(path []PathSegment, prev any, prevOK bool, next any, nextOK bool, out *[]Change) {
	switch {
	case !prevOK && !nextOK:
		return
	case !nextOK:
		*out = append(*out, Change{Path: path, Kind: ChangeRemove})
		return
	case !prevOK:
		*out = append(*out, Change{Path: path, Kind: ChangeSet, Value: next})
		return
	}

	kp, kn := kindOf(prev), kindOf(next)
	if kp != kn {
		*out = append(*out, Change{Path: path, Kind: ChangeSet, Value: next})
		return
	}

	switch kp {
	case kindMap:
		diffMap(path, prev.(map[string]any), next.(map[string]any), out)
	case kindList:
		diffList(path, ToSlice(prev), ToSlice(next), out)
	case kindNumber:
		if !Equal(prev, next) {
			*out = append(*out, Change{Path: path, Kind: ChangeDelta, Value: numericDelta(prev, next)})
		}
	default:
		if !Equal(prev, next) {
			*out = append(*out, Change{Path: path, Kind: ChangeSet, Value: next})
		}
	}
}

// numericDelta returns next-prev, as int64 when both sides are integers
func numericDelta(prev, next any) any {
	pi, pInt := asInt(prev)
	ni, nInt := asInt(next)
	if pInt && nInt {
		return ni - pi
	}
	fp, _ := core.ToFloat(prev)
	fn, _ := core.ToFloat(next)
	return fn - fp
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// PatchUpdate diffs prev against next and renders REMOVE, ADD and SET clauses.
// Top-level numeric changes become ADD with the signed difference; nested ones
// become SET path = path + delta since ADD only targets top-level attributes.
// ErrNoChanges is returned when the records are deeply equal.
func PatchUpdate(prev, next core.Record) (Update, error) {
	changes := Diff(prev, next)
	if len(changes) == 0 {
		return Update{}, dynaplanErrors.ErrNoChanges
	}

	b := NewBuilder()
	for _, c := range changes {
		path := b.path(c.Path)
		var err error
		switch c.Kind {
		case ChangeRemove:
			b.AddUpdateRemove(path)
		case ChangeDelta:
			if len(c.Path) == 1 {
				err = b.AddUpdateAdd(path, c.Value)
			} else {
				err = b.AddUpdateIncrement(path, c.Value)
			}
		default:
			err = b.AddUpdateSet(path, c.Value)
		}
		if err != nil {
			return Update{}, fmt.Errorf("%s: %w", c, err)
		}
	}
	return updateFrom(b), nil
}

// path renders a document path with name placeholders
func (b *Builder) path(segments []PathSegment) string {
	var sb strings.Builder
	for i, seg := range segments {
		if seg.IsIndex {
			fmt.Fprintf(&sb, "[%d]", seg.Index)
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(b.segment(seg.Key))
	}
	return sb.String()
}
