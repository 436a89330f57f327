package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed domains.yaml
var defaultRegistry []byte

// Domain is the fixed configuration of one specialization: routing
// keywords, prompt material, and model preferences.
type Domain struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Keywords         []string `yaml:"keywords"`
	PriorityKeywords []string `yaml:"priority_keywords"`
	System           string   `yaml:"system"`
	Template         string   `yaml:"template"`
	Context          string   `yaml:"context"`
	PrimaryModel     string   `yaml:"primary_model"`
	FallbackModels   []string `yaml:"fallback_models"`
}

// Models returns the primary model followed by the fallbacks, in order.
func (d Domain) Models() []string {
	out := make([]string, 0, 1+len(d.FallbackModels))
	out = append(out, d.PrimaryModel)
	return append(out, d.FallbackModels...)
}

// ModelDefaults apply to every domain that does not set its own models.
type ModelDefaults struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
}

// Registry is the immutable set of domains, in registration order.
// Build it once with LoadRegistry or ParseRegistry and share it by pointer.
type Registry struct {
	DefaultDomain string        `yaml:"default_domain"`
	Models        ModelDefaults `yaml:"models"`
	Domains       []Domain      `yaml:"domains"`

	index map[string]int
}

// LoadRegistry reads a registry file. An empty path loads the built-in
// registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return ParseRegistry(defaultRegistry)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domains file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes, normalizes, and validates a YAML registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse domains: %w", err)
	}
	r.normalize()
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Registry) normalize() {
	r.DefaultDomain = strings.ToLower(strings.TrimSpace(r.DefaultDomain))
	for i := range r.Domains {
		d := &r.Domains[i]
		d.Name = strings.ToLower(strings.TrimSpace(d.Name))
		d.Keywords = lowerAll(d.Keywords)
		d.PriorityKeywords = lowerAll(d.PriorityKeywords)
		if d.PrimaryModel == "" {
			d.PrimaryModel = r.Models.Primary
			if len(d.FallbackModels) == 0 {
				d.FallbackModels = append([]string(nil), r.Models.Fallbacks...)
			}
		}
		if d.Template == "" {
			d.Template = "{{description}}"
		}
	}
	if r.DefaultDomain == "" && len(r.Domains) > 0 {
		r.DefaultDomain = r.Domains[0].Name
	}
}

func (r *Registry) validate() error {
	if len(r.Domains) == 0 {
		return errors.New("domains: registry is empty")
	}
	r.index = make(map[string]int, len(r.Domains))
	for i, d := range r.Domains {
		if d.Name == "" {
			return fmt.Errorf("domains: entry %d has no name", i)
		}
		if _, dup := r.index[d.Name]; dup {
			return fmt.Errorf("domains: duplicate domain %q", d.Name)
		}
		if d.PrimaryModel == "" {
			return fmt.Errorf("domains: %q has no primary model", d.Name)
		}
		r.index[d.Name] = i
	}
	if _, ok := r.index[r.DefaultDomain]; !ok {
		return fmt.Errorf("domains: default domain %q is not registered", r.DefaultDomain)
	}
	return nil
}

// Lookup returns a copy of the named domain.
func (r *Registry) Lookup(name string) (Domain, bool) {
	i, ok := r.index[strings.ToLower(name)]
	if !ok {
		return Domain{}, false
	}
	return r.Domains[i], true
}

// Names returns domain names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.Domains))
	for i, d := range r.Domains {
		out[i] = d.Name
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
