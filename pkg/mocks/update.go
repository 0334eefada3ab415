package mocks

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/pay-theory/dynaplan/internal/expr"
	"github.com/pay-theory/dynaplan/pkg/core"
)

// applyUpdate applies a REMOVE/ADD/SET update expression to the item at key,
// creating it when absent, and returns the stored result
func applyUpdate(tables map[string]*memTable, table string, key map[string]types.AttributeValue, expression string, names map[string]string, values map[string]types.AttributeValue) (core.Record, error) {
	t, ok := tables[table]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
	}
	keyRec, err := expr.UnmarshalRecord(key)
	if err != nil {
		return nil, err
	}

	rec := core.Record{}
	if i := t.find(t.keyOf(keyRec)); i >= 0 {
		rec = copyValue(t.items[i]).(map[string]any)
	} else {
		for k, v := range keyRec {
			rec[k] = v
		}
	}

	sections := splitUpdate(expression)
	value := func(token string) (any, error) {
		av, ok := values[token]
		if !ok {
			return nil, fmt.Errorf("ValidationException: unknown value placeholder %s", token)
		}
		return expr.ConvertFromAttributeValue(av)
	}

	removals := make([][]expr.PathSegment, 0, len(sections["REMOVE"]))
	for _, clause := range sections["REMOVE"] {
		path, err := parsePath(clause, names)
		if err != nil {
			return nil, err
		}
		removals = append(removals, path)
	}
	// List indexes refer to the original document, so remove from the back
	sort.SliceStable(removals, func(i, j int) bool {
		return lastIndex(removals[i]) > lastIndex(removals[j])
	})
	for _, path := range removals {
		if err := removePath(rec, path); err != nil {
			return nil, err
		}
	}

	for _, clause := range sections["ADD"] {
		tokens := strings.Fields(clause)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("ValidationException: malformed ADD clause %q", clause)
		}
		path, err := parsePath(tokens[0], names)
		if err != nil {
			return nil, err
		}
		delta, err := value(tokens[1])
		if err != nil {
			return nil, err
		}
		current, _ := getPath(rec, path)
		sum, err := add(current, delta)
		if err != nil {
			return nil, err
		}
		if err := setPath(rec, path, sum); err != nil {
			return nil, err
		}
	}

	for _, clause := range sections["SET"] {
		tokens := strings.Fields(clause)
		if len(tokens) < 3 || tokens[1] != "=" {
			return nil, fmt.Errorf("ValidationException: malformed SET clause %q", clause)
		}
		path, err := parsePath(tokens[0], names)
		if err != nil {
			return nil, err
		}

		var result any
		switch len(tokens) {
		case 3:
			result, err = value(tokens[2])
		case 5:
			if tokens[3] != "+" {
				return nil, fmt.Errorf("ValidationException: unsupported SET operator %q", tokens[3])
			}
			operand, perr := parsePath(tokens[2], names)
			if perr != nil {
				return nil, perr
			}
			current, ok := getPath(rec, operand)
			if !ok {
				return nil, fmt.Errorf("ValidationException: operand %s does not exist", tokens[2])
			}
			var delta any
			if delta, err = value(tokens[4]); err == nil {
				result, err = add(current, delta)
			}
		default:
			err = fmt.Errorf("ValidationException: malformed SET clause %q", clause)
		}
		if err != nil {
			return nil, err
		}
		if err := setPath(rec, path, result); err != nil {
			return nil, err
		}
	}

	item, err := expr.MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := t.put(item); err != nil {
		return nil, err
	}
	return t.items[t.find(t.keyOf(rec))], nil
}

// splitUpdate groups clauses by their REMOVE, ADD or SET keyword
func splitUpdate(expression string) map[string][]string {
	tokens := make(map[string][]string)
	current := ""
	for _, tok := range strings.Fields(expression) {
		switch tok {
		case "REMOVE", "ADD", "SET":
			current = tok
			continue
		}
		tokens[current] = append(tokens[current], tok)
	}

	sections := make(map[string][]string, len(tokens))
	for section, toks := range tokens {
		for _, clause := range strings.Split(strings.Join(toks, " "), ",") {
			if clause = strings.TrimSpace(clause); clause != "" {
				sections[section] = append(sections[section], clause)
			}
		}
	}
	return sections
}

// parsePath parses a document path such as #n1.#n2[3]
func parsePath(raw string, names map[string]string) ([]expr.PathSegment, error) {
	var path []expr.PathSegment
	for _, part := range strings.Split(raw, ".") {
		name := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			name, rest = part[:i], part[i:]
		}
		if resolved, ok := names[name]; ok {
			name = resolved
		}
		path = append(path, expr.PathSegment{Key: name})

		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if !strings.HasPrefix(rest, "[") || end < 0 {
				return nil, fmt.Errorf("ValidationException: malformed path %q", raw)
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return nil, fmt.Errorf("ValidationException: malformed path %q", raw)
			}
			path = append(path, expr.PathSegment{Index: n, IsIndex: true})
			rest = rest[end+1:]
		}
	}
	return path, nil
}

func lastIndex(path []expr.PathSegment) int {
	if last := path[len(path)-1]; last.IsIndex {
		return last.Index
	}
	return -1
}

func getPath(rec core.Record, path []expr.PathSegment) (any, bool) {
	var current any = rec
	for _, seg := range path {
		if seg.IsIndex {
			list, ok := current.([]any)
			if !ok || seg.Index >= len(list) {
				return nil, false
			}
			current = list[seg.Index]
			continue
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[seg.Key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// parentOf resolves the container holding the last path segment
func parentOf(rec core.Record, path []expr.PathSegment) (any, error) {
	if len(path) == 1 {
		return rec, nil
	}
	parent, ok := getPath(rec, path[:len(path)-1])
	if !ok {
		return nil, fmt.Errorf("ValidationException: document path does not exist")
	}
	return parent, nil
}

func setPath(rec core.Record, path []expr.PathSegment, v any) error {
	parent, err := parentOf(rec, path)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	if !last.IsIndex {
		m, ok := parent.(map[string]any)
		if !ok {
			return fmt.Errorf("ValidationException: path parent is not a map")
		}
		m[last.Key] = v
		return nil
	}

	list, ok := parent.([]any)
	if !ok {
		return fmt.Errorf("ValidationException: path parent is not a list")
	}
	if last.Index < len(list) {
		list[last.Index] = v
		return nil
	}
	// Writing past the end appends, which needs the list re-stored in its parent
	return setPath(rec, path[:len(path)-1], append(list, v))
}

func removePath(rec core.Record, path []expr.PathSegment) error {
	parent, err := parentOf(rec, path)
	if err != nil {
		return nil
	}
	last := path[len(path)-1]
	if !last.IsIndex {
		if m, ok := parent.(map[string]any); ok {
			delete(m, last.Key)
		}
		return nil
	}
	list, ok := parent.([]any)
	if !ok || last.Index >= len(list) {
		return nil
	}
	trimmed := append(list[:last.Index:last.Index], list[last.Index+1:]...)
	return setPath(rec, path[:len(path)-1], trimmed)
}

func add(current, delta any) (any, error) {
	d, ok := core.ToFloat(delta)
	if !ok {
		return nil, fmt.Errorf("ValidationException: ADD operand is not a number")
	}
	if current == nil {
		return d, nil
	}
	c, ok := core.ToFloat(current)
	if !ok {
		return nil, fmt.Errorf("ValidationException: ADD target is not a number")
	}
	return c + d, nil
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	}
	return v
}
