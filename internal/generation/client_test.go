package generation_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentoven/brigade/internal/generation"
)

func newServer(t *testing.T, h http.HandlerFunc) *generation.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return generation.NewClient(srv.URL, generation.WithTemperature(0.2), generation.WithMaxTokens(64))
}

func TestGenerate(t *testing.T) {
	var got map[string]any
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": "Here you go:\n```python\nimport bpy\nbpy.ops.mesh.primitive_cube_add()\n```\nDone.",
		})
	})

	code, err := c.Generate(context.Background(), generation.Prompt{System: "sys", User: "make a cube"}, "gemma3:4b", time.Second)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if want := "import bpy\nbpy.ops.mesh.primitive_cube_add()"; code != want {
		t.Errorf("Generate() = %q, want %q", code, want)
	}
	if got["model"] != "gemma3:4b" || got["system"] != "sys" || got["prompt"] != "make a cube" {
		t.Errorf("request body = %v", got)
	}
	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["temperature"] != 0.2 || opts["num_predict"] != float64(64) {
		t.Errorf("options = %v", opts)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})
	_, err := c.Generate(context.Background(), generation.Prompt{User: "x"}, "missing", time.Second)
	if !errors.Is(err, generation.ErrServiceError) {
		t.Fatalf("Generate() error = %v, want ErrServiceError", err)
	}
	if generation.Kind(err) != generation.KindService {
		t.Errorf("Kind() = %q, want %q", generation.Kind(err), generation.KindService)
	}
}

func TestGenerate_ServiceErrorKeepsRunes(t *testing.T) {
	body := "x" + strings.Repeat("ü", 200)
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(body))
	})
	_, err := c.Generate(context.Background(), generation.Prompt{User: "x"}, "m", time.Second)
	if err == nil {
		t.Fatal("Generate() error = nil, want service error")
	}
	if msg := err.Error(); !utf8.ValidString(msg) || !strings.HasSuffix(msg, "ü...") {
		t.Errorf("Generate() error = %q, want valid UTF-8 cut on a rune boundary", msg)
	}
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := c.Generate(context.Background(), generation.Prompt{User: "x"}, "slow", 50*time.Millisecond)
	if !errors.Is(err, generation.ErrTimeout) {
		t.Fatalf("Generate() error = %v, want ErrTimeout", err)
	}
}

func TestGenerate_Empty(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "  \n```python\n```"})
	})
	_, err := c.Generate(context.Background(), generation.Prompt{User: "x"}, "m", time.Second)
	if !errors.Is(err, generation.ErrEmptyResponse) {
		t.Fatalf("Generate() error = %v, want ErrEmptyResponse", err)
	}
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"python fence", "text\n```python\nprint(1)\n```\nmore", "print(1)"},
		{"python preferred", "```bash\nls\n```\n```python\nprint(2)\n```", "print(2)"},
		{"bare fence", "```\nx = 1\n```", "x = 1"},
		{"tagged fence", "```py\nx = 2\n```", "x = 2"},
		{"no fence", "  x = 3  \n", "x = 3"},
		{"unterminated", "```python\nx = 4", "x = 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := generation.ExtractCode(tt.in); got != tt.want {
				t.Errorf("ExtractCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
