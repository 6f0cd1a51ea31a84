// Package proxy picks the egress proxy for an attempt from the providers
// configured per tier. Providers rotate by weight, can be limited to a set of
// countries, and sit out a cooldown after repeated failures. A job keeps the
// same exit across its attempts until that exit fails.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/harvester/models"
)

// Provider is one upstream proxy endpoint.
//
// URL may carry placeholders filled per selection: {country} and {COUNTRY}
// with the requested country in lower or upper case, {session} with the
// sticky session token. A provider whose URL needs a country is only picked
// for requests that name one.
type Provider struct {
	Name      string           `mapstructure:"name"`
	Tier      models.ProxyTier `mapstructure:"tier"`
	URL       string           `mapstructure:"url"`
	Countries []string         `mapstructure:"countries"`
	Weight    int              `mapstructure:"weight"`
	Disabled  bool             `mapstructure:"disabled"`
}

// Request asks for an exit on Tier. Session, when set, makes the pick sticky.
type Request struct {
	Tier    models.ProxyTier
	Country string
	Session string
}

// Selection is a resolved exit.
type Selection struct {
	Provider string
	Tier     models.ProxyTier
	URL      string
	Session  string
	// Token identifies this binding of a session to an exit. It fills the
	// {session} placeholder and changes whenever the session is re-picked.
	Token string
}

// Options tunes health tracking and session expiry.
type Options struct {
	// MaxFailures consecutive failures put a provider into cooldown.
	MaxFailures int
	Cooldown    time.Duration
	// SessionTTL drops sticky sessions idle for longer.
	SessionTTL time.Duration
}

func (o *Options) defaults() {
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = time.Minute
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 5 * time.Minute
	}
}

type provider struct {
	Provider
	needsCountry bool
	failures     int
	coolUntil    time.Time
	served       int64
	failed       int64
}

type session struct {
	sel      Selection
	lastUsed time.Time
	requests int
}

// Manager is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	providers []*provider
	rotation  map[models.ProxyTier]int
	sessions  map[string]*session
	opts      Options
	now       func() time.Time
}

// New validates providers and returns a Manager over them.
func New(providers []Provider, opts Options) (*Manager, error) {
	opts.defaults()
	m := &Manager{
		rotation: make(map[models.ProxyTier]int),
		sessions: make(map[string]*session),
		opts:     opts,
		now:      time.Now,
	}
	seen := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s-%d", p.Tier, i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("proxy: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("proxy: provider %q: unknown tier %q", p.Name, p.Tier)
		}
		if err := checkURL(p.URL); err != nil {
			return nil, fmt.Errorf("proxy: provider %q: %w", p.Name, err)
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		for j, c := range p.Countries {
			p.Countries[j] = strings.ToUpper(c)
		}
		m.providers = append(m.providers, &provider{
			Provider:     p,
			needsCountry: strings.Contains(strings.ToLower(p.URL), "{country}"),
		})
	}
	return m, nil
}

// checkURL parses raw with its placeholders filled by sample values.
func checkURL(raw string) error {
	filled := fill(raw, "us", "sample")
	u, err := url.Parse(filled)
	if err != nil {
		return fmt.Errorf("bad url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

func fill(raw, country, token string) string {
	r := strings.NewReplacer(
		"{country}", strings.ToLower(country),
		"{COUNTRY}", strings.ToUpper(country),
		"{session}", token,
	)
	return r.Replace(raw)
}

// Select returns an exit for req, or false when no provider serves the tier
// and country, in which case the attempt goes direct.
func (m *Manager) Select(req Request) (Selection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if req.Session != "" {
		if s, ok := m.sessions[req.Session]; ok && s.sel.Tier == req.Tier {
			s.lastUsed = now
			s.requests++
			m.byName(s.sel.Provider).served++
			return s.sel, true
		}
	}

	candidates := m.eligible(req, now)
	if len(candidates) == 0 {
		return Selection{}, false
	}
	p := m.rotate(req.Tier, candidates)
	p.served++

	token := "s" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	sel := Selection{
		Provider: p.Name,
		Tier:     p.Tier,
		URL:      fill(p.URL, req.Country, token),
		Session:  req.Session,
		Token:    token,
	}
	if req.Session != "" {
		m.sessions[req.Session] = &session{sel: sel, lastUsed: now, requests: 1}
	}
	return sel, true
}

// eligible lists providers for req. Cooling providers are used only when
// every matching provider is cooling.
func (m *Manager) eligible(req Request, now time.Time) []*provider {
	country := strings.ToUpper(req.Country)
	var healthy, cooling []*provider
	for _, p := range m.providers {
		if p.Disabled || p.Tier != req.Tier {
			continue
		}
		if p.needsCountry && country == "" {
			continue
		}
		if country != "" && len(p.Countries) > 0 && !slices.Contains(p.Countries, country) {
			continue
		}
		if now.Before(p.coolUntil) {
			cooling = append(cooling, p)
			continue
		}
		healthy = append(healthy, p)
	}
	if len(healthy) > 0 {
		return healthy
	}
	if len(cooling) > 0 {
		slog.Warn("all proxy providers cooling down", "tier", req.Tier, "country", req.Country, "providers", len(cooling))
	}
	return cooling
}

// rotate is a weighted round-robin over candidates, one counter per tier.
func (m *Manager) rotate(tier models.ProxyTier, candidates []*provider) *provider {
	total := 0
	for _, p := range candidates {
		total += p.Weight
	}
	idx := m.rotation[tier]
	m.rotation[tier] = idx + 1
	target := idx % total
	acc := 0
	for _, p := range candidates {
		acc += p.Weight
		if acc > target {
			return p
		}
	}
	return candidates[0]
}

func (m *Manager) byName(name string) *provider {
	for _, p := range m.providers {
		if p.Name == name {
			return p
		}
	}
	return &provider{}
}

// ReportFailure records a failed attempt through sel. The sticky session is
// dropped so the next attempt picks a new exit.
func (m *Manager) ReportFailure(sel Selection, cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sel.Session != "" {
		delete(m.sessions, sel.Session)
	}
	p := m.byName(sel.Provider)
	p.failed++
	p.failures++
	if p.failures >= m.opts.MaxFailures {
		p.failures = 0
		p.coolUntil = m.now().Add(m.opts.Cooldown)
		slog.Warn("proxy provider cooling down", "provider", sel.Provider, "tier", sel.Tier, "cause", cause, "until", p.coolUntil)
		return
	}
	slog.Debug("proxy failure reported", "provider", sel.Provider, "tier", sel.Tier, "cause", cause)
}

// ReportSuccess clears sel's provider failure streak.
func (m *Manager) ReportSuccess(sel Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName(sel.Provider).failures = 0
}

// Release drops a sticky session.
func (m *Manager) Release(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, session)
}

// Cleanup drops sessions idle for longer than the session TTL and returns
// how many were removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.opts.SessionTTL)
	n := 0
	for id, s := range m.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		slog.Debug("expired proxy sessions cleaned", "count", n)
	}
	return n
}

// Run calls Cleanup every interval until ctx is canceled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// ProviderStats is one provider's counters.
type ProviderStats struct {
	Name    string           `json:"name"`
	Tier    models.ProxyTier `json:"tier"`
	Enabled bool             `json:"enabled"`
	Cooling bool             `json:"cooling"`
	Served  int64            `json:"served"`
	Failed  int64            `json:"failed"`
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	Providers      []ProviderStats `json:"providers"`
	ActiveSessions int             `json:"active_sessions"`
}

// Stats returns a snapshot of provider health and session count.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := Stats{ActiveSessions: len(m.sessions)}
	for _, p := range m.providers {
		st.Providers = append(st.Providers, ProviderStats{
			Name:    p.Name,
			Tier:    p.Tier,
			Enabled: !p.Disabled,
			Cooling: now.Before(p.coolUntil),
			Served:  p.served,
			Failed:  p.failed,
		})
	}
	return st
}

// Check fails when some tier has enabled providers and all of them are
// cooling down. It backs the proxy health check.
func (m *Manager) Check(context.Context) error {
	enabled := make(map[models.ProxyTier]int)
	cooling := make(map[models.ProxyTier]int)
	for _, p := range m.Stats().Providers {
		if !p.Enabled {
			continue
		}
		enabled[p.Tier]++
		if p.Cooling {
			cooling[p.Tier]++
		}
	}
	var down []string
	for tier, n := range enabled {
		if cooling[tier] == n {
			down = append(down, string(tier))
		}
	}
	if len(down) > 0 {
		slices.Sort(down)
		return fmt.Errorf("all providers cooling down: %s", strings.Join(down, ", "))
	}
	return nil
}
