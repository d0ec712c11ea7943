package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog layout.
//
// Example:
//
//	models:
//	  - id: gpt4o
//	    provider: openai
//	    name: gpt-4o
//	packages:
//	  - id: legal
//	    name: Legal Assistant
//	    description: Reviews and summarizes contracts.
//	    model: gpt4o
//	    allowed_roles: [lawyer]
//	    services:
//	      - name: lookup_contract
//	        input_schema: {type: object, properties: {id: {type: string}}}
//	        default_params: {endpoint: "https://erp.internal/contracts"}
type File struct {
	Models    []Model   `yaml:"models"`
	Packages  []Package `yaml:"packages"`
	Roles     []Role    `yaml:"roles"`
	Companies []Company `yaml:"companies"`
	Profiles  []Profile `yaml:"profiles"`
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: load %q: %w", path, err)
	}
	return c, nil
}

// LoadFromReader decodes catalog YAML from r and builds a validated Catalog.
func LoadFromReader(r io.Reader) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return New(&f)
}
