package taxonomy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Other is the reserved class assigned when no rule matches
const Other = "other"

var (
	// ErrInvalidTaxonomy is returned when a taxonomy fails validation
	ErrInvalidTaxonomy = errors.New("invalid taxonomy")
)

// ClassRules is the set of patterns that identify one failure class
type ClassRules struct {
	GrepFor []string `yaml:"grep_for"`
}

// Taxonomy is a versioned set of failure classes with a priority order
// used to pick one class when several match
type Taxonomy struct {
	Version         string                 `yaml:"version"`
	DeconflictOrder []string               `yaml:"deconflict_order"`
	ErrorClasses    map[string]*ClassRules `yaml:"error_classes"`
}

type document struct {
	Taxonomy *Taxonomy `yaml:"taxonomy"`
}

// Parse decodes and validates a taxonomy document
func Parse(data []byte) (*Taxonomy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}
	if doc.Taxonomy == nil {
		return nil, fmt.Errorf("%w: missing top-level taxonomy key", ErrInvalidTaxonomy)
	}
	if err := doc.Taxonomy.Validate(); err != nil {
		return nil, err
	}
	return doc.Taxonomy, nil
}

// Load reads a taxonomy from a YAML file
func Load(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks the deconflict order and that every pattern compiles.
// A class with a null rule set is allowed and never matches. Classes left
// out of the deconflict order are allowed too; see Unordered.
func (t *Taxonomy) Validate() error {
	if t.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidTaxonomy)
	}

	seen := make(map[string]bool, len(t.DeconflictOrder))
	for _, name := range t.DeconflictOrder {
		if seen[name] {
			return fmt.Errorf("%w: class %q listed twice in deconflict_order", ErrInvalidTaxonomy, name)
		}
		seen[name] = true
		if _, ok := t.ErrorClasses[name]; !ok {
			return fmt.Errorf("%w: deconflict_order names unknown class %q", ErrInvalidTaxonomy, name)
		}
	}

	for name, rules := range t.ErrorClasses {
		if name == Other {
			return fmt.Errorf("%w: class name %q is reserved", ErrInvalidTaxonomy, Other)
		}
		if rules == nil {
			continue
		}
		for _, expr := range rules.GrepFor {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("%w: class %q pattern %q: %v", ErrInvalidTaxonomy, name, expr, err)
			}
		}
	}
	return nil
}

// Unordered returns the classes missing from the deconflict order, sorted.
// They are never assigned.
func (t *Taxonomy) Unordered() []string {
	ordered := make(map[string]bool, len(t.DeconflictOrder))
	for _, name := range t.DeconflictOrder {
		ordered[name] = true
	}
	var out []string
	for name := range t.ErrorClasses {
		if !ordered[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
