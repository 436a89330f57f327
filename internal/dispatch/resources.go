package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentoven/brigade/internal/specialist"
	"github.com/agentoven/brigade/pkg/models"
)

const (
	learningScheme = "learning://"
	engineStateURI = "engine://state"
	registryURI    = "registry://specialists"
	jsonMime       = "application/json"
)

// learning://<domain>/<kind> resource kinds and the query each one runs.
var resourceKinds = []struct {
	kind, query, desc string
}{
	{"operations", QueryRecent, "Recent operations"},
	{"patterns", QueryPatterns, "Successful payload patterns"},
	{"errors", QueryErrors, "Recurring error patterns"},
	{"performance", QueryPerformance, "Model performance"},
}

func (d *Dispatcher) listResources() []models.ResourceInfo {
	out := []models.ResourceInfo{
		{URI: registryURI, Name: "Specialists", Description: "Registered specialists", MimeType: jsonMime},
		{URI: engineStateURI, Name: "Engine state", Description: "Current engine scene state", MimeType: jsonMime},
	}
	for _, domain := range d.coord.Domains() {
		for _, k := range resourceKinds {
			out = append(out, models.ResourceInfo{
				URI:         learningScheme + domain + "/" + k.kind,
				Name:        domain + " " + k.kind,
				Description: k.desc + " for " + domain,
				MimeType:    jsonMime,
			})
		}
	}
	return out
}

func (d *Dispatcher) readResource(ctx context.Context, uri string) (*models.ResourceContents, error) {
	var v any
	switch {
	case uri == registryURI:
		specs := d.coord.Specialists()
		infos := make([]specialist.Info, 0, len(specs))
		for _, s := range specs {
			infos = append(infos, s.Info())
		}
		v = infos

	case uri == engineStateURI:
		res, err := d.engine.State(ctx, d.opts.ExecutionTimeout)
		if err != nil {
			return nil, err
		}
		v = res

	case strings.HasPrefix(uri, learningScheme):
		domain, kind, ok := strings.Cut(strings.TrimPrefix(uri, learningScheme), "/")
		if !ok {
			return nil, invalidParams("resource %q: want learning://<domain>/<kind>", uri)
		}
		domain, err := d.domain(domain, false)
		if err != nil {
			return nil, err
		}
		qt := ""
		for _, k := range resourceKinds {
			if k.kind == kind {
				qt = k.query
			}
		}
		if qt == "" {
			return nil, invalidParams("unknown resource kind %q", kind)
		}
		if v, err = d.query(ctx, domain, qt, DefaultLimit, ""); err != nil {
			return nil, err
		}

	default:
		return nil, invalidParams("unknown resource %q", uri)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &models.ResourceContents{
		Contents: []models.Content{{Type: "text", URI: uri, MimeType: jsonMime, Text: string(b)}},
	}, nil
}
