package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultCategories []byte

// Category describes one news beat the discovery agents search.
type Category struct {
	Key               string   `yaml:"-" json:"key"`
	Name              string   `yaml:"name" json:"name"`
	SearchTerms       []string `yaml:"search_terms" json:"search_terms"`
	Sources           []string `yaml:"sources" json:"sources"`
	RelevanceCriteria []string `yaml:"relevance_criteria" json:"relevance_criteria"`
}

// Categories keeps the file order of the configured categories.
type Categories []Category

// Keys returns category keys in configuration order.
func (c Categories) Keys() []string {
	out := make([]string, 0, len(c))
	for _, cat := range c {
		out = append(out, cat.Key)
	}
	return out
}

// Get returns the category with key.
func (c Categories) Get(key string) (Category, bool) {
	for _, cat := range c {
		if cat.Key == key {
			return cat, true
		}
	}
	return Category{}, false
}

// Index returns the position of key, or -1.
func (c Categories) Index(key string) int {
	for i, cat := range c {
		if cat.Key == key {
			return i
		}
	}
	return -1
}

// LoadCategories reads categories from path, or the built-in set when path is empty.
func LoadCategories(path string) (Categories, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCategories(defaultCategories)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	return ParseCategories(data)
}

// DefaultCategories returns the built-in category set.
func DefaultCategories() Categories {
	cats, err := ParseCategories(defaultCategories)
	if err != nil {
		panic(fmt.Sprintf("embedded categories.yaml is invalid: %v", err))
	}
	return cats
}

// ParseCategories decodes an ordered mapping of key -> category. The mapping
// may sit at the document root or under a top-level "categories" key.
func ParseCategories(data []byte) (Categories, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse categories: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse categories: empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse categories: expected mapping, got %s", kindName(root.Kind))
	}
	if len(root.Content) == 2 && root.Content[0].Value == "categories" {
		root = root.Content[1]
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("parse categories: categories must be a mapping")
		}
	}

	out := make(Categories, 0, len(root.Content)/2)
	seen := make(map[string]struct{}, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := strings.TrimSpace(root.Content[i].Value)
		if key == "" {
			return nil, fmt.Errorf("parse categories: empty category key at line %d", root.Content[i].Line)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("parse categories: duplicate category %q", key)
		}
		seen[key] = struct{}{}

		var cat Category
		if err := root.Content[i+1].Decode(&cat); err != nil {
			return nil, fmt.Errorf("parse categories: %s: %w", key, err)
		}
		cat.Key = key
		if cat.Name == "" {
			cat.Name = key
		}
		out = append(out, cat)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("parse categories: no categories defined")
	}
	return out, nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "mapping"
	}
}
