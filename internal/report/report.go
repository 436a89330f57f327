// Package report runs the periodic background jobs: a per-domain
// performance summary written to the log (and to the success-rate gauges),
// and a liveness probe against the execution engine.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Source is the read side of the learning store the report needs.
type Source interface {
	ModelPerformance(ctx context.Context, domain string) ([]models.ModelPerformance, error)
	ErrorPatterns(ctx context.Context, domain string, limit int) ([]models.ErrorPattern, error)
}

// Prober asks the engine for its state.
type Prober interface {
	State(ctx context.Context, timeout time.Duration) (*models.ExecutionResult, error)
}

// DomainSummary rolls up one domain's model performance.
type DomainSummary struct {
	Domain      string                    `json:"domain"`
	Operations  int64                     `json:"operations"`
	Successes   int64                     `json:"successes"`
	Timeouts    int64                     `json:"timeouts"`
	SuccessRate float64                   `json:"success_rate"`
	BestModel   string                    `json:"best_model,omitempty"`
	TopError    string                    `json:"top_error,omitempty"`
	Models      []models.ModelPerformance `json:"models"`
}

// Summarize builds a summary for each domain, in the order given. Domains
// without operations are included with zero counts.
func Summarize(ctx context.Context, src Source, domains []string) ([]DomainSummary, error) {
	out := make([]DomainSummary, 0, len(domains))
	for _, domain := range domains {
		perf, err := src.ModelPerformance(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("performance for %s: %w", domain, err)
		}
		s := DomainSummary{Domain: domain, Models: perf}
		best := -1.0
		for _, p := range perf {
			s.Operations += p.TotalRequests
			s.Successes += p.SuccessfulRequests
			s.Timeouts += p.TimeoutCount
			if p.TotalRequests > 0 && p.SuccessRate > best {
				best, s.BestModel = p.SuccessRate, p.Model
			}
		}
		if s.Operations > 0 {
			s.SuccessRate = float64(s.Successes) / float64(s.Operations)
		}

		errs, err := src.ErrorPatterns(ctx, domain, 1)
		if err != nil {
			return nil, fmt.Errorf("error patterns for %s: %w", domain, err)
		}
		if len(errs) > 0 {
			s.TopError = errs[0].ErrorType
		}
		out = append(out, s)
	}
	return out, nil
}

// Reporter schedules the report and probe jobs.
type Reporter struct {
	cron         *cron.Cron
	store        Source
	engine       Prober
	domains      []string
	probeTimeout time.Duration
}

// New registers the jobs named in cfg. An empty schedule or "off" disables
// that job. A nil engine disables the probe.
func New(cfg config.ReportConfig, src Source, engine Prober, domains []string, probeTimeout time.Duration) (*Reporter, error) {
	r := &Reporter{
		cron:         cron.New(),
		store:        src,
		engine:       engine,
		domains:      domains,
		probeTimeout: probeTimeout,
	}
	if enabled(cfg.Schedule) {
		if _, err := r.cron.AddFunc(cfg.Schedule, r.runReport); err != nil {
			return nil, fmt.Errorf("report schedule %q: %w", cfg.Schedule, err)
		}
	}
	if engine != nil && enabled(cfg.ProbeSchedule) {
		if _, err := r.cron.AddFunc(cfg.ProbeSchedule, r.runProbe); err != nil {
			return nil, fmt.Errorf("probe schedule %q: %w", cfg.ProbeSchedule, err)
		}
	}
	return r, nil
}

func enabled(schedule string) bool {
	s := strings.TrimSpace(strings.ToLower(schedule))
	return s != "" && s != "off"
}

// Jobs returns the number of scheduled jobs.
func (r *Reporter) Jobs() int {
	return len(r.cron.Entries())
}

// Start starts the scheduler.
func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for running jobs.
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reporter) runReport() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.Report(ctx); err != nil {
		log.Error().Err(err).Msg("Performance report failed")
	}
}

// Report logs one summary line per domain and refreshes the success-rate
// gauges.
func (r *Reporter) Report(ctx context.Context) error {
	summaries, err := Summarize(ctx, r.store, r.domains)
	if err != nil {
		return err
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Operations > summaries[j].Operations
	})

	gauge := metrics.Get().ModelSuccessRate
	for _, s := range summaries {
		for _, p := range s.Models {
			gauge.WithLabelValues(s.Domain, p.Model).Set(p.SuccessRate)
		}
		if s.Operations == 0 {
			continue
		}
		log.Info().
			Str("domain", s.Domain).
			Int64("operations", s.Operations).
			Float64("success_rate", s.SuccessRate).
			Int64("timeouts", s.Timeouts).
			Str("best_model", s.BestModel).
			Str("top_error", s.TopError).
			Msg("Domain performance")
	}
	return nil
}

func (r *Reporter) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout+5*time.Second)
	defer cancel()
	if err := r.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("Engine probe failed")
	}
}

// Probe sends get_state through the gateway.
func (r *Reporter) Probe(ctx context.Context) error {
	res, err := r.engine.State(ctx, r.probeTimeout)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("engine reported %s: %s", res.Status, res.Error)
	}
	log.Debug().Str("request_id", res.RequestID).Msg("Engine probe ok")
	return nil
}
