// Package pricing decides a job's engine and proxy tier and prices it.
// Admission and escalation share these functions so an estimate and a
// re-estimate can never disagree.
package pricing

import (
	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/models"
)

// Feature names used in the cost tables and breakdowns.
const (
	FeatureScreenshot = "screenshot"
	FeaturePDF        = "pdf"
)

// Table holds the static credit costs.
type Table struct {
	Engine  map[models.EngineType]int64
	Proxy   map[models.ProxyTier]int64
	Feature map[string]int64
}

// DefaultTable returns the built-in cost table.
func DefaultTable() Table {
	return Table{
		Engine: map[models.EngineType]int64{
			models.EngineHTTP:    1,
			models.EngineBrowser: 5,
			models.EngineStealth: 10,
		},
		Proxy: map[models.ProxyTier]int64{
			models.ProxyDatacenter:  0,
			models.ProxyResidential: 3,
			models.ProxyISP:         5,
			models.ProxyMobile:      10,
		},
		Feature: map[string]int64{
			FeatureScreenshot: 2,
			FeaturePDF:        3,
		},
	}
}

// TableFromConfig builds a Table from the configured cost maps.
func TableFromConfig(cfg config.CreditConfig) Table {
	t := DefaultTable()
	for k, v := range cfg.EngineCost {
		t.Engine[models.EngineType(k)] = v
	}
	for k, v := range cfg.ProxyCost {
		t.Proxy[models.ProxyTier(k)] = v
	}
	for k, v := range cfg.FeatureCost {
		t.Feature[k] = v
	}
	return t
}

// Estimate is a priced job with its itemised breakdown.
type Estimate struct {
	Total     int64            `json:"total"`
	Breakdown map[string]int64 `json:"breakdown"`
}

// Estimate prices engine + proxy tier + enabled features.
func (t Table) Estimate(engine models.EngineType, tier models.ProxyTier, opts models.Options) Estimate {
	b := map[string]int64{
		"base":  t.Engine[engine],
		"proxy": t.Proxy[tier],
	}
	if opts.Screenshot {
		b[FeatureScreenshot] = t.Feature[FeatureScreenshot]
	}
	if opts.PDF {
		b[FeaturePDF] = t.Feature[FeaturePDF]
	}
	var total int64
	for _, v := range b {
		total += v
	}
	return Estimate{Total: total, Breakdown: b}
}

// NeedsBrowser reports whether the options use anything only a browser can do.
func NeedsBrowser(opts models.Options) bool {
	return opts.RenderJS || opts.WaitFor != "" || len(opts.Scenario) > 0 || opts.Screenshot || opts.PDF
}

// SelectEngine picks the engine for a request. An explicit choice wins;
// "auto" resolves to stealth for the anti-detection flag, browser for
// rendering features and http otherwise.
func SelectEngine(requested models.EngineType, opts models.Options) models.EngineType {
	switch requested {
	case models.EngineHTTP, models.EngineBrowser, models.EngineStealth:
		return requested
	}
	switch {
	case opts.Stealth:
		return models.EngineStealth
	case NeedsBrowser(opts):
		return models.EngineBrowser
	default:
		return models.EngineHTTP
	}
}

// SelectProxyTier picks the proxy tier. Mobile outranks residential.
func SelectProxyTier(opts models.Options) models.ProxyTier {
	switch {
	case opts.MobileProxy:
		return models.ProxyMobile
	case opts.PremiumProxy:
		return models.ProxyResidential
	default:
		return models.ProxyDatacenter
	}
}
