package queryplan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultLocalKey     = "id"
	defaultTenantColumn = "tenant_id"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Path is the physical location of a logical attribute: a direct column on
// the queried table, or a column on a related table reached by one hop.
type Path struct {
	Column   string    `yaml:"column"`
	Relation *Relation `yaml:"relation"`
}

// Relation describes a one-hop existence join:
// related.ForeignKey = outer.LocalKey, scoped by related.TenantColumn.
type Relation struct {
	Table        string `yaml:"table"`
	Column       string `yaml:"column"`
	ForeignKey   string `yaml:"foreign_key"`
	LocalKey     string `yaml:"local_key"`
	TenantColumn string `yaml:"tenant_column"`
}

func Column(name string) Path { return Path{Column: name} }

func Related(table, column, foreignKey string) Path {
	return Path{Relation: &Relation{Table: table, Column: column, ForeignKey: foreignKey}}
}

func (p Path) IsRelation() bool { return p.Relation != nil }

func (p *Path) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*p = Column(strings.TrimSpace(value.Value))
		return nil
	}
	type plain Path
	var out plain
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = Path(out)
	return nil
}

func (p Path) validate() error {
	if p.Relation == nil {
		if !identPattern.MatchString(p.Column) {
			return fmt.Errorf("invalid column %q", p.Column)
		}
		return nil
	}
	if p.Column != "" {
		return errors.New("path has both column and relation")
	}
	r := p.Relation.withDefaults()
	for _, id := range []string{r.Table, r.Column, r.ForeignKey, r.LocalKey, r.TenantColumn} {
		if !identPattern.MatchString(id) {
			return fmt.Errorf("invalid relation identifier %q", id)
		}
	}
	return nil
}

func (r Relation) withDefaults() Relation {
	if r.LocalKey == "" {
		r.LocalKey = defaultLocalKey
	}
	if r.TenantColumn == "" {
		r.TenantColumn = defaultTenantColumn
	}
	return r
}

// Mapping translates logical attribute names to physical paths.
type Mapping map[string]Path

func (m Mapping) Validate() error {
	for name, p := range m {
		if err := p.validate(); err != nil {
			return fmt.Errorf("queryplan: mapping %q: %w", name, err)
		}
	}
	return nil
}

// KindMapping is the mapping for one resource kind together with the table
// that list queries for the kind select from.
type KindMapping struct {
	Table        string  `yaml:"table"`
	TenantColumn string  `yaml:"tenant_column"`
	Fields       Mapping `yaml:"fields"`
}

// Registry holds the mappings of every resource kind known to a service.
type Registry map[string]KindMapping

func (r Registry) Lookup(kind string) (KindMapping, bool) {
	km, ok := r[strings.TrimSpace(kind)]
	return km, ok
}

type registryFile struct {
	Version int                    `yaml:"version"`
	Kinds   map[string]KindMapping `yaml:"kinds"`
}

func ParseRegistryYAML(b []byte) (Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Version != 1 {
		return nil, errors.New("queryplan: unsupported field mapping version")
	}
	if len(f.Kinds) == 0 {
		return nil, errors.New("queryplan: field mapping has no kinds")
	}
	reg := make(Registry, len(f.Kinds))
	for kind, km := range f.Kinds {
		if !identPattern.MatchString(km.Table) {
			return nil, fmt.Errorf("queryplan: kind %q: invalid table %q", kind, km.Table)
		}
		if km.TenantColumn == "" {
			km.TenantColumn = defaultTenantColumn
		}
		if !identPattern.MatchString(km.TenantColumn) {
			return nil, fmt.Errorf("queryplan: kind %q: invalid tenant column %q", kind, km.TenantColumn)
		}
		if err := km.Fields.Validate(); err != nil {
			return nil, fmt.Errorf("kind %q: %w", kind, err)
		}
		reg[kind] = km
	}
	return reg, nil
}

func LoadRegistry(path string) (Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistryYAML(b)
}
