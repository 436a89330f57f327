// Package generation wraps the code-generation service. One call, one model,
// one timeout: retrying across models is the caller's business.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentoven/brigade/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("brigade/generation")

// Prompt is what a specialist sends to the service.
type Prompt struct {
	System string
	User   string
}

// Client talks to an Ollama-compatible /api/generate endpoint.
type Client struct {
	endpoint    string // e.g. http://localhost:11434
	temperature float64
	maxTokens   int
	client      *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps generated tokens (Ollama num_predict).
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithHTTPClient replaces the HTTP client. Per-call timeouts still apply.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a generation client.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		temperature: 0.7,
		maxTokens:   1500,
		client:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Text     string `json:"text"`
	Error    string `json:"error"`
}

// Generate asks model for a payload and returns the extracted code. Every
// failure is a *Error carrying one of ErrTimeout, ErrServiceError, or
// ErrEmptyResponse.
func (c *Client) Generate(ctx context.Context, prompt Prompt, model string, timeout time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "generation.generate")
	defer span.End()
	span.SetAttributes(attribute.String("generation.model", model))

	start := time.Now()
	text, err := c.generate(ctx, prompt, model, timeout)
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	m := metrics.Get()
	m.GenerationDuration.WithLabelValues(model, outcome).Observe(time.Since(start).Seconds())
	return text, err
}

func (c *Client) generate(ctx context.Context, prompt Prompt, model string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt.User,
		System: prompt.System,
		Stream: false,
		Options: generateOptions{
			Temperature: c.temperature,
			NumPredict:  c.maxTokens,
		},
	})
	if err != nil {
		return "", &Error{Kind: KindService, Model: model, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindService, Model: model, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", c.transportError(ctx, model, timeout, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.transportError(ctx, model, timeout, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Kind: KindService, Model: model,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 300))}
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &Error{Kind: KindService, Model: model, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if out.Error != "" {
		return "", &Error{Kind: KindService, Model: model, Err: errors.New(out.Error)}
	}

	text := out.Response
	if text == "" {
		text = out.Text
	}
	code := ExtractCode(text)
	if code == "" {
		return "", &Error{Kind: KindEmpty, Model: model, Err: errors.New("empty response")}
	}
	return code, nil
}

func (c *Client) transportError(ctx context.Context, model string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Model: model, Err: fmt.Errorf("timed out after %s", timeout)}
	}
	return &Error{Kind: KindService, Model: model, Err: fmt.Errorf("http request: %w", err)}
}

// Health verifies the service is reachable by listing its models.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation service returned %d", resp.StatusCode)
	}
	return nil
}

// ExtractCode returns the body of the first ```python fence, else the first
// fence of any language, else the whole text, trimmed.
func ExtractCode(text string) string {
	if body, ok := fenced(text, "```python"); ok {
		return body
	}
	if body, ok := fenced(text, "```"); ok {
		return body
	}
	return strings.TrimSpace(text)
}

func fenced(text, open string) (string, bool) {
	i := strings.Index(text, open)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(open):]
	// Skip the language tag of a bare fence (```py, ```bash, ...).
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], " ()=") {
		rest = rest[nl+1:]
	}
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
