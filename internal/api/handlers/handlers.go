// Package handlers implements the HTTP handlers for brigade. The JSON-RPC
// endpoint and the REST mirror both go through the dispatcher, so validation
// and error codes are the same on every transport.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentoven/brigade/internal/coordinator"
	"github.com/agentoven/brigade/internal/dispatch"
	"github.com/agentoven/brigade/internal/specialist"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBodySize = 16 << 20

// Check is one dependency probed by /health.
type Check struct {
	Name string
	// Critical checks turn /health into a 503 when they fail.
	Critical bool
	Probe    func(ctx context.Context) error
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Dispatcher  *dispatch.Dispatcher
	Coordinator *coordinator.Coordinator
	Engine      dispatch.Engine
	Checks      []Check
	Version     string
}

// New creates a new Handlers instance.
func New(d *dispatch.Dispatcher, coord *coordinator.Coordinator, engine dispatch.Engine, version string, checks ...Check) *Handlers {
	return &Handlers{
		Dispatcher:  d,
		Coordinator: coord,
		Engine:      engine,
		Checks:      checks,
		Version:     version,
	}
}

// ── JSON-RPC ────────────────────────────────────────────────

// RPC handles one JSON-RPC request per POST. Notifications get 204.
func (h *Handlers) RPC(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, dispatch.ParseError(err))
		return
	}

	resp := h.Dispatcher.Handle(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── Health ──────────────────────────────────────────────────

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health probes every check in parallel under a short deadline.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	results := make([]checkResult, len(h.Checks))
	done := make(chan struct{})
	for i, c := range h.Checks {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := c.Probe(ctx); err != nil {
				results[i] = checkResult{Status: "down", Error: err.Error()}
				return
			}
			results[i] = checkResult{Status: "up"}
		}()
	}
	for range h.Checks {
		<-done
	}

	status, code := "healthy", http.StatusOK
	checks := make(map[string]checkResult, len(h.Checks))
	for i, c := range h.Checks {
		checks[c.Name] = results[i]
		if results[i].Status == "up" {
			continue
		}
		if c.Critical {
			status, code = "unhealthy", http.StatusServiceUnavailable
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	body := map[string]interface{}{
		"status":  status,
		"service": "brigade",
		"checks":  checks,
	}
	if h.Engine != nil {
		body["gateway"] = h.Engine.Stats()
	}
	respondJSON(w, code, body)
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "brigade",
	})
}

// ── Domains ─────────────────────────────────────────────────

func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	specs := h.Coordinator.Specialists()
	infos := make([]specialist.Info, 0, len(specs))
	for _, s := range specs {
		infos = append(infos, s.Info())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"default_domain": h.Coordinator.DefaultDomain(),
		"domains":        infos,
	})
}

// QueryDomain is the REST form of store.query:
// GET /api/v1/domains/{domain}/{kind}?limit=N&model=M.
func (h *Handlers) QueryDomain(w http.ResponseWriter, r *http.Request) {
	params := models.StoreQueryParams{
		Domain:    chi.URLParam(r, "domain"),
		QueryType: chi.URLParam(r, "kind"),
		Model:     r.URL.Query().Get("model"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		params.Limit = &n
	}
	raw, err := json.Marshal(params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := h.Dispatcher.Handle(r.Context(), &models.Request{
		Jsonrpc: "2.0",
		Method:  "store.query",
		Params:  raw,
		ID:      "rest",
	})
	if resp.Error != nil {
		status := statusFor(resp.Error.Code)
		if status >= 500 {
			log.Error().Interface("error", resp.Error.Data).Str("domain", params.Domain).Msg("Domain query failed")
		}
		respondJSON(w, status, map[string]interface{}{
			"error": resp.Error.Message,
			"code":  resp.Error.Code,
			"data":  resp.Error.Data,
		})
		return
	}
	respondJSON(w, http.StatusOK, resp.Result)
}

// EngineStats reports the execution gateway's queue counters.
func (h *Handlers) EngineStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Engine.Stats())
}

func statusFor(code int) int {
	switch code {
	case dispatch.CodeInvalidParams, dispatch.CodeParseError:
		return http.StatusBadRequest
	case dispatch.CodeMethodNotFound:
		return http.StatusNotFound
	case dispatch.CodeEngineUnavailable, dispatch.CodeQueueFull:
		return http.StatusServiceUnavailable
	case dispatch.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
