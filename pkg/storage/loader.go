package storage

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a small graph described in YAML (or JSON, which YAML accepts).
//
// Example fixture:
//
//	nodes:
//	  - {id: alice, labels: [Person], properties: {name: Alice, age: 31}}
//	  - {id: bob,   labels: [Person], properties: {name: Bob}}
//	edges:
//	  - {from: alice, to: bob, type: KNOWS}
//	indexes:
//	  - {name: Person.age, label: Person, property: age}
//
// Edges without an id get "e<position>".
type Fixture struct {
	Nodes   []*Node     `yaml:"nodes"`
	Edges   []*Edge     `yaml:"edges"`
	Indexes []IndexDecl `yaml:"indexes"`
}

// IndexDecl asks for an index over one property of the nodes carrying
// Label. Nodes with the label but without the property are indexed under
// the null key.
type IndexDecl struct {
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`
	Property string `yaml:"property"`
}

// LoadFixture reads and parses the fixture at path.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes fixture data and fills defaults.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	for i, n := range f.Nodes {
		if n == nil || n.ID == "" {
			return nil, fmt.Errorf("%w: node %d has no id", ErrInvalidID, i)
		}
	}
	for i, e := range f.Edges {
		if e == nil {
			return nil, fmt.Errorf("%w: edge %d is empty", ErrInvalidData, i)
		}
		if e.ID == "" {
			e.ID = EdgeID(fmt.Sprintf("e%d", i))
		}
	}
	for i, idx := range f.Indexes {
		if idx.Label == "" || idx.Property == "" {
			return nil, fmt.Errorf("%w: index %d needs label and property", ErrInvalidData, i)
		}
		if idx.Name == "" {
			f.Indexes[i].Name = idx.Label + "." + idx.Property
		}
	}
	return &f, nil
}

// Apply creates the fixture's nodes and edges in engine.
func (f *Fixture) Apply(engine Engine) error {
	if err := BulkCreate(engine, f.Nodes, f.Edges); err != nil {
		return fmt.Errorf("applying fixture: %w", err)
	}
	return nil
}
