// Package buildfile loads unit declarations from YAML and resolves them into
// scheduler work units.
package buildfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aristath/buildgraph/internal/scheduler"
)

// UnitSpec is one unit as written in the build file.
type UnitSpec struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind,omitempty"`
	Command    string         `yaml:"command,omitempty"`
	Dir        string         `yaml:"dir,omitempty"`
	Inputs     []string       `yaml:"inputs,omitempty"`
	Outputs    []string       `yaml:"outputs,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
	DependsOn  []string       `yaml:"depends_on,omitempty"`
	Group      string         `yaml:"group,omitempty"`
}

// File is the document root.
type File struct {
	Units []UnitSpec `yaml:"units"`
}

// Graph is a validated set of units with their dependencies wired.
type Graph struct {
	units map[string]*Unit
}

// Load reads and parses the build file at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading build file: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse decodes a build file. Unknown fields, duplicate or empty names, and
// dependencies on undeclared units are errors. Cycles are left to the planner.
func Parse(data []byte) (*Graph, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing build file: %w", err)
	}

	g := &Graph{units: make(map[string]*Unit, len(f.Units))}
	var errs []error
	for i, spec := range f.Units {
		if spec.Name == "" {
			errs = append(errs, fmt.Errorf("unit #%d has no name", i+1))
			continue
		}
		if _, dup := g.units[spec.Name]; dup {
			errs = append(errs, fmt.Errorf("unit %q declared more than once", spec.Name))
			continue
		}
		g.units[spec.Name] = &Unit{spec: spec}
	}

	for _, u := range g.units {
		for _, dep := range u.spec.DependsOn {
			target, ok := g.units[dep]
			if !ok {
				errs = append(errs, fmt.Errorf("unit %q depends on unknown unit %q", u.spec.Name, dep))
				continue
			}
			u.deps = append(u.deps, target)
		}
	}

	if len(errs) > 0 {
		sortErrors(errs)
		return nil, errors.Join(errs...)
	}
	return g, nil
}

func sortErrors(errs []error) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
}

// Units returns every unit ordered by name.
func (g *Graph) Units() []*Unit {
	out := make([]*Unit, 0, len(g.units))
	for _, u := range g.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// Unit returns the unit with the given name.
func (g *Graph) Unit(name string) (*Unit, bool) {
	u, ok := g.units[name]
	return u, ok
}

// Resolve maps unit names to work units. No names selects every unit.
func (g *Graph) Resolve(names []string) ([]scheduler.WorkUnit, error) {
	if len(names) == 0 {
		all := g.Units()
		out := make([]scheduler.WorkUnit, len(all))
		for i, u := range all {
			out[i] = u
		}
		return out, nil
	}

	out := make([]scheduler.WorkUnit, 0, len(names))
	for _, name := range names {
		u, ok := g.units[name]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q", name)
		}
		out = append(out, u)
	}
	return out, nil
}

// ExcludeFilter returns a plan filter that drops the named units. A dropped unit's
// own dependencies are only planned if something else still needs them.
func (g *Graph) ExcludeFilter(names []string) (func(scheduler.WorkUnit) bool, error) {
	excluded := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := g.units[name]; !ok {
			return nil, fmt.Errorf("cannot exclude unknown unit %q", name)
		}
		excluded[name] = true
	}
	return func(u scheduler.WorkUnit) bool {
		return !excluded[u.ID()]
	}, nil
}
