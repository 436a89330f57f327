package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentoven/brigade/internal/config"
)

func TestLoadRegistry_Builtin(t *testing.T) {
	reg, err := config.LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if reg.DefaultDomain != "modeling" {
		t.Errorf("DefaultDomain = %q, want %q", reg.DefaultDomain, "modeling")
	}
	names := reg.Names()
	if len(names) < 2 || names[0] != "modeling" || names[1] != "shading" {
		t.Errorf("Names() = %v, want modeling then shading first", names)
	}

	d, ok := reg.Lookup("VFX")
	if !ok {
		t.Fatal("Lookup(VFX) not found")
	}
	if d.PrimaryModel != "gemma3:4b" {
		t.Errorf("vfx PrimaryModel = %q, want default %q", d.PrimaryModel, "gemma3:4b")
	}
	if got := d.Models(); len(got) != 3 || got[1] != "deepseek-r1:8b" {
		t.Errorf("vfx Models() = %v", got)
	}
	if len(d.PriorityKeywords) == 0 {
		t.Error("vfx should carry priority keywords")
	}
}

func TestParseRegistry_Normalizes(t *testing.T) {
	reg, err := config.ParseRegistry([]byte(`
models:
  primary: base
domains:
  - name: " Modeling "
    keywords: [Cube, " MESH ", ""]
  - name: shading
    primary_model: special
    fallback_models: [other]
`))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	if reg.DefaultDomain != "modeling" {
		t.Errorf("DefaultDomain = %q, want first domain", reg.DefaultDomain)
	}
	d, _ := reg.Lookup("modeling")
	if strings.Join(d.Keywords, ",") != "cube,mesh" {
		t.Errorf("Keywords = %v, want [cube mesh]", d.Keywords)
	}
	if d.Template != "{{description}}" {
		t.Errorf("Template = %q, want placeholder default", d.Template)
	}
	s, _ := reg.Lookup("shading")
	if s.PrimaryModel != "special" || len(s.FallbackModels) != 1 {
		t.Errorf("shading models = %v, want own models kept", s.Models())
	}
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", `domains: []`, "empty"},
		{"duplicate", "models: {primary: m}\ndomains: [{name: a}, {name: A}]", "duplicate"},
		{"no model", `domains: [{name: a}]`, "no primary model"},
		{"bad default", "default_domain: zz\nmodels: {primary: m}\ndomains: [{name: a}]", "not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseRegistry([]byte(tt.yaml))
			if err == nil {
				t.Fatal("ParseRegistry() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadRegistry_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.yaml")
	if err := os.WriteFile(path, []byte("models: {primary: m}\ndomains: [{name: solo}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := config.LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	if _, ok := reg.Lookup("solo"); !ok {
		t.Error("Lookup(solo) not found")
	}
	if _, err := config.LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadRegistry(missing) error = nil, want error")
	}
}

func TestLoad_EnvFallbacks(t *testing.T) {
	os.Unsetenv("BRIGADE_ENGINE_URL")
	t.Setenv("BRIGADE_ENGINE_QUEUE_SIZE", "7")
	t.Setenv("BRIGADE_GENERATION_TIMEOUT", "not-a-duration")

	cfg := config.Load()
	if cfg.Engine.Endpoint != "tcp://localhost:9876" {
		t.Errorf("Engine.Endpoint = %q", cfg.Engine.Endpoint)
	}
	if cfg.Engine.QueueSize != 7 {
		t.Errorf("Engine.QueueSize = %d, want 7", cfg.Engine.QueueSize)
	}
	if cfg.Generation.Timeout.String() != "3m0s" {
		t.Errorf("Generation.Timeout = %s, want fallback 3m0s", cfg.Generation.Timeout)
	}
}
