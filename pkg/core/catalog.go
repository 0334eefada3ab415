package core

import (
	"fmt"
	"sort"

	dynaplanErrors "github.com/pay-theory/dynaplan/pkg/errors"
)

// Catalog is an immutable index catalog: model name → table, primary key, indexes.
// It is threaded through the planner and executor so several catalogs can coexist.
type Catalog struct {
	models map[string]ModelSchema
}

// NewCatalog validates and indexes the given model schemas
func NewCatalog(models ...ModelSchema) (*Catalog, error) {
	c := &Catalog{models: make(map[string]ModelSchema, len(models))}
	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("model name is required")
		}
		if m.PrimaryKey.PartitionKey == "" {
			return nil, fmt.Errorf("model %s: primary key partition field is required", m.Name)
		}
		if _, dup := c.models[m.Name]; dup {
			return nil, fmt.Errorf("model %s: declared more than once", m.Name)
		}
		seen := make(map[string]bool, len(m.Indexes))
		for _, idx := range m.Indexes {
			if idx.Name == "" || idx.PartitionKey == "" {
				return nil, fmt.Errorf("model %s: index requires name and partition key", m.Name)
			}
			if seen[idx.Name] {
				return nil, fmt.Errorf("model %s: duplicate index %s", m.Name, idx.Name)
			}
			seen[idx.Name] = true
		}
		copied := m
		copied.Indexes = append([]IndexSchema(nil), m.Indexes...)
		c.models[m.Name] = copied
	}
	return c, nil
}

// Model looks up a model schema by name
func (c *Catalog) Model(name string) (ModelSchema, bool) {
	if c == nil {
		return ModelSchema{}, false
	}
	m, ok := c.models[name]
	return m, ok
}

// Models returns the catalog's model names in sorted order
func (c *Catalog) Models() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IndexesOn returns the secondary indexes whose partition key is field, in declaration order
func (c *Catalog) IndexesOn(model, field string) []IndexSchema {
	m, ok := c.Model(model)
	if !ok {
		return nil
	}
	var out []IndexSchema
	for _, idx := range m.Indexes {
		if idx.PartitionKey == field {
			out = append(out, idx)
		}
	}
	return out
}

// Index looks up a secondary index by name
func (c *Catalog) Index(model, name string) (IndexSchema, bool) {
	m, ok := c.Model(model)
	if !ok {
		return IndexSchema{}, false
	}
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSchema{}, false
}

// KeyFields returns the primary key attribute names, partition first
func (m ModelSchema) KeyFields() []string {
	if m.PrimaryKey.SortKey == "" {
		return []string{m.PrimaryKey.PartitionKey}
	}
	return []string{m.PrimaryKey.PartitionKey, m.PrimaryKey.SortKey}
}

// KeyOf extracts the primary key attributes of r
func (m ModelSchema) KeyOf(r Record) (Record, error) {
	key := make(Record, 2)
	for _, f := range m.KeyFields() {
		v, ok := r[f]
		if !ok || v == nil || IsUndefined(v) {
			return nil, dynaplanErrors.NewError("key", m.Name, dynaplanErrors.Errorf(dynaplanErrors.ErrMissingPrimaryKey, "field %s", f))
		}
		key[f] = v
	}
	return key, nil
}
