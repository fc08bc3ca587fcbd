// Package prompts loads and renders the named prompt templates used by the
// pipeline agents.
package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names.
const (
	Discovery              = "discovery"
	ContextGreek           = "context_greek"
	ContextInternational   = "context_international"
	FactCheckInterrogation = "factcheck_interrogation"
	ClaimVerification      = "claim_verification"
	FactCheckSummary       = "factcheck_summary"
	Synthesis              = "synthesis"
)

// ErrUnknownTemplate is returned when rendering a name that was never loaded.
var ErrUnknownTemplate = errors.New("unknown prompt template")

//go:embed templates.yaml
var defaultTemplates []byte

type templateFile struct {
	Templates map[string]string `yaml:"templates"`
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Renderer renders prompt templates. It is safe for concurrent use once built.
type Renderer struct {
	templates map[string]*template.Template
}

// Default returns a renderer over the built-in templates.
func Default() (*Renderer, error) {
	return Parse(defaultTemplates)
}

// Load reads every *.yaml file in dir on top of the built-in templates, so a
// directory only needs to contain the templates it overrides.
func Load(dir string) (*Renderer, error) {
	r, err := Default()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) == "" {
		return r, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob prompts: %w", err)
	}
	sort.Strings(matches)
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := r.add(data); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return r, nil
}

// Parse builds a renderer from a YAML document with a "templates" mapping.
func Parse(data []byte) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}
	if err := r.add(data); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) add(data []byte) error {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse prompts: %w", err)
	}
	for name, body := range f.Templates {
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
		if err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return nil
}

// Names lists the loaded template names in sorted order.
func (r *Renderer) Names() []string {
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render executes template name with vars. A variable referenced by the
// template but absent from vars is an error.
func (r *Renderer) Render(name string, vars map[string]interface{}) (string, error) {
	t, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if vars == nil {
		vars = map[string]interface{}{}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
