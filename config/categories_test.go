package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategoriesKeepsOrder(t *testing.T) {
	data := []byte(`
zeta:
  name: Last Alphabetically
  search_terms: [a]
alpha:
  name: First Alphabetically
  sources: [x.gr, y.gr]
  relevance_criteria: [impact]
`)
	cats, err := ParseCategories(data)
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha"}, cats.Keys())

	alpha, ok := cats.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []string{"x.gr", "y.gr"}, alpha.Sources)
	assert.Equal(t, 1, cats.Index("alpha"))
	assert.Equal(t, -1, cats.Index("missing"))
}

func TestParseCategoriesNestedAndDefaults(t *testing.T) {
	cats, err := ParseCategories([]byte("categories:\n  sports: {}\n"))
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, "sports", cats[0].Name)
}

func TestParseCategoriesErrors(t *testing.T) {
	cases := map[string]string{
		"sequence":  "- a\n- b\n",
		"empty":     "categories: {}\n",
		"duplicate": "a: {name: x}\na: {name: y}\n",
		"bad field": "a:\n  search_terms: 3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCategories([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestDefaultCategories(t *testing.T) {
	cats := DefaultCategories()
	require.NotEmpty(t, cats)
	_, ok := cats.Get("science")
	assert.True(t, ok)
	loaded, err := LoadCategories("")
	require.NoError(t, err)
	assert.Equal(t, cats.Keys(), loaded.Keys())
}
