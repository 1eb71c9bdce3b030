// Package catalog holds the static registry of queryable entities, their fields and rollup tiers.
package catalog

import (
	"cmp"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Backend is the kind of physical store an entity lives in.
type Backend string

const (
	BackendRelational Backend = "relational"
	BackendGraph      Backend = "graph"
)

// Store names the concrete database serving an entity.
type Store string

const (
	StorePostgres   Store = "postgres"
	StoreClickHouse Store = "clickhouse"
	StoreNeo4j      Store = "neo4j"
)

// View marks graph entities that are not plain label scans.
type View string

const (
	ViewNone         View = ""
	ViewNeighborhood View = "neighborhood"
	ViewCypher       View = "cypher"
)

// Duration is a time.Duration that unmarshals from strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Aggregate is one output column of a rollup.
type Aggregate struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`
	// Expr computes the aggregate from raw rows when no tier fits.
	Expr string `yaml:"expr"`
}

// Tier is a pre-aggregated table at a fixed bucket width.
type Tier struct {
	Table  string   `yaml:"table"`
	Bucket Duration `yaml:"bucket"`
}

// Width returns the bucket width.
func (t Tier) Width() time.Duration { return time.Duration(t.Bucket) }

// Rollup describes a rollup kind available on an entity.
type Rollup struct {
	Kind       string      `yaml:"kind"`
	Group      []string    `yaml:"group"`
	Aggregates []Aggregate `yaml:"aggregates"`
	// Tiers are ordered finest first.
	Tiers []Tier `yaml:"tiers"`
}

// Aggregate returns the aggregate named name.
func (r *Rollup) Aggregate(name string) (*Aggregate, bool) {
	for i := range r.Aggregates {
		if r.Aggregates[i].Name == name {
			return &r.Aggregates[i], true
		}
	}
	return nil, false
}

// Entity is a named queryable resource bound to one backend.
type Entity struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	Backend Backend  `yaml:"backend"`
	Store   Store    `yaml:"store"`
	View    View     `yaml:"view"`
	// Table is the relational table or the graph label.
	Table            string            `yaml:"table"`
	TimeField        string            `yaml:"time_field"`
	DefaultSort      string            `yaml:"default_sort"`
	DefaultDirection string            `yaml:"default_direction"`
	// Key lists the columns that together identify a row. They must be non-null.
	Key              []string          `yaml:"key"`
	FieldAliases     map[string]string `yaml:"field_aliases"`
	Fields           []Field           `yaml:"fields"`
	Rollups          []Rollup          `yaml:"rollups"`

	registry *FieldRegistry
}

// Registry returns the entity's field registry.
func (e *Entity) Registry() *FieldRegistry { return e.registry }

// Field resolves name, or one of its aliases, to a field.
func (e *Entity) Field(name string) (*Field, bool) {
	f := e.registry.Get(name)
	return f, f != nil
}

// Rollup returns the rollup of the given kind.
func (e *Entity) Rollup(kind string) (*Rollup, bool) {
	for i := range e.Rollups {
		if e.Rollups[i].Kind == kind {
			return &e.Rollups[i], true
		}
	}
	return nil, false
}

// Tiebreak returns the key columns that order rows sharing a sort value.
func (e *Entity) Tiebreak(sort string) []string {
	out := make([]string, 0, len(e.Key))
	for _, k := range e.Key {
		if k != sort {
			out = append(out, k)
		}
	}
	return out
}

// DefaultDesc reports whether the default sort is descending.
func (e *Entity) DefaultDesc() bool {
	return e.DefaultDirection != "asc"
}

// Catalog indexes entities by name and alias.
type Catalog struct {
	entities []*Entity
	byName   map[string]*Entity
}

type document struct {
	Entities []*Entity `yaml:"entities"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalogYAML)
}

// Load parses and validates a catalog document.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, errors.New("catalog declares no entities")
	}

	c := &Catalog{byName: make(map[string]*Entity)}
	for _, e := range doc.Entities {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("entity %q: %w", e.Name, err)
		}
		e.registry = NewFieldRegistry(e.Fields, e.FieldAliases)
		for _, name := range append([]string{e.Name}, e.Aliases...) {
			name = strings.ToLower(name)
			if prev, ok := c.byName[name]; ok {
				return nil, fmt.Errorf("name %q declared by both %q and %q", name, prev.Name, e.Name)
			}
			c.byName[name] = e
		}
		c.entities = append(c.entities, e)
	}
	return c, nil
}

// Lookup resolves an entity by canonical name or alias.
func (c *Catalog) Lookup(name string) (*Entity, bool) {
	e, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// Entities returns all entities in declaration order.
func (c *Catalog) Entities() []*Entity {
	return c.entities
}

func (e *Entity) validate() error {
	if e.Name == "" {
		return errors.New("missing name")
	}
	switch e.Backend {
	case BackendRelational:
		if e.Store != StorePostgres && e.Store != StoreClickHouse {
			return fmt.Errorf("relational entity cannot use store %q", e.Store)
		}
		if e.View != ViewNone {
			return fmt.Errorf("relational entity cannot declare view %q", e.View)
		}
	case BackendGraph:
		if e.Store != StoreNeo4j {
			return fmt.Errorf("graph entity cannot use store %q", e.Store)
		}
		if e.View != ViewNeighborhood && e.View != ViewCypher {
			return fmt.Errorf("graph entity requires a view, got %q", e.View)
		}
		if len(e.Rollups) > 0 {
			return errors.New("graph entity cannot declare rollups")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", e.Backend)
	}

	if e.Table == "" {
		return errors.New("missing table")
	}
	names := make(map[string]Field, len(e.Fields))
	for _, f := range e.Fields {
		if !f.Type.valid() {
			return fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		names[f.Name] = f
	}
	for alias, target := range e.FieldAliases {
		if _, ok := names[target]; !ok {
			return fmt.Errorf("field alias %q targets unknown field %q", alias, target)
		}
	}
	if e.TimeField != "" {
		if f, ok := names[e.TimeField]; !ok || f.Type != TypeTimestamp {
			return fmt.Errorf("time field %q must be a declared timestamp", e.TimeField)
		}
	}
	if f, ok := names[e.DefaultSort]; !ok || !f.Orderable() {
		return fmt.Errorf("sort column %q must be a declared orderable field", e.DefaultSort)
	}
	if len(e.Key) == 0 {
		return errors.New("missing key")
	}
	for i, col := range e.Key {
		if f, ok := names[col]; !ok || !f.Orderable() {
			return fmt.Errorf("key column %q must be a declared orderable field", col)
		}
		if slices.Contains(e.Key[:i], col) {
			return fmt.Errorf("duplicate key column %q", col)
		}
	}
	if e.DefaultDirection != "" && e.DefaultDirection != "asc" && e.DefaultDirection != "desc" {
		return fmt.Errorf("invalid default direction %q", e.DefaultDirection)
	}

	for _, r := range e.Rollups {
		if e.TimeField == "" {
			return fmt.Errorf("rollup %q requires a time field", r.Kind)
		}
		if len(r.Aggregates) == 0 {
			return fmt.Errorf("rollup %q declares no aggregates", r.Kind)
		}
		for _, g := range r.Group {
			if _, ok := names[g]; !ok {
				return fmt.Errorf("rollup %q groups by unknown field %q", r.Kind, g)
			}
		}
		if len(r.Tiers) == 0 {
			return fmt.Errorf("rollup %q declares no tiers", r.Kind)
		}
		sorted := slices.IsSortedFunc(r.Tiers, func(a, b Tier) int {
			return cmp.Compare(a.Bucket, b.Bucket)
		})
		if !sorted {
			return fmt.Errorf("rollup %q tiers must be ordered finest first", r.Kind)
		}
		for _, t := range r.Tiers {
			if t.Bucket <= 0 || t.Table == "" {
				return fmt.Errorf("rollup %q has an invalid tier", r.Kind)
			}
		}
	}
	return nil
}
