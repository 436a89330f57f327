// Package coordinator picks the specialist for an incoming task.
//
// An explicit domain always wins. Otherwise each domain is scored by how
// often its keywords occur in the tokenized description (priority keywords
// count tenfold), the highest score wins, ties go to the domain registered
// first, and a description that matches nothing goes to the default domain.
package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/metrics"
	"github.com/agentoven/brigade/internal/specialist"
)

// PriorityWeight is what one priority keyword hit is worth.
const PriorityWeight = 10

// Routing reasons.
const (
	ReasonExplicit = "explicit"
	ReasonKeywords = "keywords"
	ReasonDefault  = "default"
)

var (
	ErrNoSpecialistRegistered = errors.New("no specialist registered")
	ErrUnknownDomain          = errors.New("unknown domain")
)

// RoutingError is a failed routing decision.
type RoutingError struct {
	Domain string
	Err    error
}

func (e *RoutingError) Error() string {
	if e.Domain == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Domain)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Score is one domain's keyword score for a description.
type Score struct {
	Domain string   `json:"domain"`
	Score  int      `json:"score"`
	Hits   []string `json:"hits,omitempty"`
}

// Decision is the outcome of routing one description.
type Decision struct {
	Domain string  `json:"domain"`
	Reason string  `json:"reason"`
	Scores []Score `json:"scores,omitempty"`
}

type route struct {
	name     string
	keywords [][]string
	priority [][]string
}

// Coordinator routes descriptions to specialists. It is immutable after New.
type Coordinator struct {
	routes        []route // registration order
	defaultDomain string
	specialists   map[string]*specialist.Specialist
}

// New builds a coordinator over the registry's domains. Domains without a
// specialist are not routable.
func New(reg *config.Registry, specialists []*specialist.Specialist) *Coordinator {
	c := &Coordinator{specialists: make(map[string]*specialist.Specialist, len(specialists))}
	for _, s := range specialists {
		c.specialists[s.Domain()] = s
	}
	if reg == nil {
		return c
	}
	c.defaultDomain = reg.DefaultDomain
	for _, name := range reg.Names() {
		if _, ok := c.specialists[name]; !ok {
			continue
		}
		d, _ := reg.Lookup(name)
		c.routes = append(c.routes, route{
			name:     name,
			keywords: phrases(d.Keywords),
			priority: phrases(d.PriorityKeywords),
		})
	}
	return c
}

// Route returns the specialist for text. A non-empty hint selects the domain
// directly and must name a registered one.
func (c *Coordinator) Route(text, hint string) (*specialist.Specialist, Decision, error) {
	d, err := c.Decide(text, hint)
	if err != nil {
		return nil, d, err
	}
	return c.specialists[d.Domain], d, nil
}

// Decide makes the routing decision without returning the specialist.
func (c *Coordinator) Decide(text, hint string) (Decision, error) {
	if len(c.routes) == 0 {
		return Decision{}, &RoutingError{Err: ErrNoSpecialistRegistered}
	}

	if hint = strings.ToLower(strings.TrimSpace(hint)); hint != "" {
		if !c.routable(hint) {
			return Decision{}, &RoutingError{Domain: hint, Err: ErrUnknownDomain}
		}
		return c.decided(Decision{Domain: hint, Reason: ReasonExplicit}), nil
	}

	scores := c.Scores(text)
	best := -1
	for i, s := range scores {
		if s.Score > 0 && (best < 0 || s.Score > scores[best].Score) {
			best = i
		}
	}
	if best >= 0 {
		return c.decided(Decision{Domain: scores[best].Domain, Reason: ReasonKeywords, Scores: scores}), nil
	}

	def := c.defaultDomain
	if !c.routable(def) {
		def = c.routes[0].name
	}
	return c.decided(Decision{Domain: def, Reason: ReasonDefault, Scores: scores}), nil
}

func (c *Coordinator) decided(d Decision) Decision {
	metrics.Get().RoutingDecisions.WithLabelValues(d.Domain, d.Reason).Inc()
	return d
}

// Scores returns every routable domain's score for text, in registration
// order.
func (c *Coordinator) Scores(text string) []Score {
	tokens := tokenize(text)
	out := make([]Score, 0, len(c.routes))
	for _, r := range c.routes {
		s := Score{Domain: r.name}
		for _, kw := range r.keywords {
			if n := count(tokens, kw); n > 0 {
				s.Score += n
				s.Hits = append(s.Hits, strings.Join(kw, " "))
			}
		}
		for _, kw := range r.priority {
			if n := count(tokens, kw); n > 0 {
				s.Score += n * PriorityWeight
				s.Hits = append(s.Hits, strings.Join(kw, " "))
			}
		}
		out = append(out, s)
	}
	return out
}

// Specialist returns the specialist registered for domain.
func (c *Coordinator) Specialist(domain string) (*specialist.Specialist, bool) {
	s, ok := c.specialists[strings.ToLower(domain)]
	return s, ok && c.routable(strings.ToLower(domain))
}

// Specialists returns the routable specialists in registration order.
func (c *Coordinator) Specialists() []*specialist.Specialist {
	out := make([]*specialist.Specialist, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, c.specialists[r.name])
	}
	return out
}

// Domains returns the routable domain names in registration order.
func (c *Coordinator) Domains() []string {
	out := make([]string, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r.name)
	}
	return out
}

// DefaultDomain returns the domain used when nothing matches.
func (c *Coordinator) DefaultDomain() string { return c.defaultDomain }

func (c *Coordinator) routable(name string) bool {
	for _, r := range c.routes {
		if r.name == name {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func phrases(keywords []string) [][]string {
	out := make([][]string, 0, len(keywords))
	for _, kw := range keywords {
		if t := tokenize(kw); len(t) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// count returns how many times phrase occurs in tokens. A token also matches
// the plural of a keyword ("cubes" for "cube").
func count(tokens, phrase []string) int {
	n := 0
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, w := range phrase {
			if !sameWord(tokens[i+j], w) {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

func sameWord(token, keyword string) bool {
	return token == keyword || token == keyword+"s" || token == keyword+"es"
}
