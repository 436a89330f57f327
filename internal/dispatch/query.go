package dispatch

import (
	"context"
	"strings"

	"github.com/agentoven/brigade/internal/coordinator"
	"github.com/agentoven/brigade/internal/store"
	"github.com/agentoven/brigade/pkg/models"
	"golang.org/x/sync/errgroup"
)

// DefaultLimit applies when a query does not set one.
const DefaultLimit = 10

// Query types.
const (
	QueryRecent      = "recent"
	QueryPatterns    = "patterns"
	QueryErrors      = "errors"
	QueryPerformance = "performance"
)

// AllDomains fans a query out over every registered domain.
const AllDomains = "all"

func queryType(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case QueryRecent, "operations":
		return QueryRecent, true
	case QueryPatterns, "successful_patterns":
		return QueryPatterns, true
	case QueryErrors, "error_patterns":
		return QueryErrors, true
	case QueryPerformance, "model_performance":
		return QueryPerformance, true
	}
	return "", false
}

// queryStore answers store.query. For a single domain the result is a list;
// for "all" it is a map from domain to list.
func (d *Dispatcher) queryStore(ctx context.Context, p models.StoreQueryParams) (any, error) {
	qt, ok := queryType(p.QueryType)
	if !ok {
		return nil, invalidParams("query_type must be one of recent, patterns, errors, performance (got %q)", p.QueryType)
	}
	limit := DefaultLimit
	if p.Limit != nil {
		var err error
		if limit, err = store.ValidateLimit(*p.Limit); err != nil {
			return nil, err
		}
	}

	domain, err := d.domain(p.Domain, true)
	if err != nil {
		return nil, err
	}
	if domain != AllDomains {
		return d.query(ctx, domain, qt, limit, p.Model)
	}

	domains := d.coord.Domains()
	results := make([]any, len(domains))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range domains {
		g.Go(func() error {
			r, err := d.query(gctx, name, qt, limit, p.Model)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(domains))
	for i, name := range domains {
		out[name] = results[i]
	}
	return out, nil
}

// domain normalizes and validates a domain argument.
func (d *Dispatcher) domain(name string, allowAll bool) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", invalidParams("domain is required")
	}
	if allowAll && name == AllDomains {
		return name, nil
	}
	if _, ok := d.coord.Specialist(name); !ok {
		return "", &coordinator.RoutingError{Domain: name, Err: coordinator.ErrUnknownDomain}
	}
	return name, nil
}

func (d *Dispatcher) query(ctx context.Context, domain, qt string, limit int, model string) (any, error) {
	switch qt {
	case QueryRecent:
		ops, err := d.store.RecentOperations(ctx, domain, limit)
		if ops == nil {
			ops = []models.OperationRecord{}
		}
		return ops, err
	case QueryPatterns:
		patterns, err := d.store.SuccessfulPatterns(ctx, domain, limit)
		if patterns == nil {
			patterns = []models.CodePattern{}
		}
		return patterns, err
	case QueryErrors:
		errs, err := d.store.ErrorPatterns(ctx, domain, limit)
		if errs == nil {
			errs = []models.ErrorPattern{}
		}
		return errs, err
	default:
		perf, err := d.store.ModelPerformance(ctx, domain)
		out := make([]models.ModelPerformance, 0, len(perf))
		for _, p := range perf {
			if model == "" || p.Model == model {
				out = append(out, p)
			}
		}
		return out, err
	}
}
