package taxonomy

import (
	_ "embed"
)

//go:embed default_taxonomy.yaml
var defaultTaxonomy []byte

// Default returns the taxonomy shipped with the binary. It is used when no
// taxonomy file is configured.
func Default() *Taxonomy {
	t, err := Parse(defaultTaxonomy)
	if err != nil {
		panic("embedded taxonomy is invalid: " + err.Error())
	}
	return t
}

// LoadOrDefault loads the taxonomy at path, or the embedded one when path
// is empty
func LoadOrDefault(path string) (*Taxonomy, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
