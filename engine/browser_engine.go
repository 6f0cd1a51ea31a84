package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/harvester/fingerprint"
	"github.com/use-agent/harvester/models"
)

// RenderFunc drives a real browser for one attempt. It is injected from main
// so that engine/ does not import the rod scraper.
type RenderFunc func(ctx context.Context, req *Request) *models.EngineOutcome

// BrowserEngine renders pages in a headless browser. The stealth variant
// additionally asks the renderer for its anti-detection patches.
type BrowserEngine struct {
	render  RenderFunc
	gen     *fingerprint.Generator
	stealth bool
}

// NewBrowserEngine creates the plain browser engine.
func NewBrowserEngine(render RenderFunc, gen *fingerprint.Generator) *BrowserEngine {
	return &BrowserEngine{render: render, gen: gen}
}

// NewStealthEngine creates the stealth engine.
func NewStealthEngine(render RenderFunc, gen *fingerprint.Generator) *BrowserEngine {
	return &BrowserEngine{render: render, gen: gen, stealth: true}
}

func (e *BrowserEngine) Type() models.EngineType {
	if e.stealth {
		return models.EngineStealth
	}
	return models.EngineBrowser
}

// Execute presents the caller's fingerprint, the one bound to the attempt's
// proxy session, or a fresh one, in that order.
func (e *BrowserEngine) Execute(ctx context.Context, req *Request) *models.EngineOutcome {
	start := time.Now()
	if e.render == nil {
		out := &models.EngineOutcome{
			TransportError:     fmt.Errorf("%s: renderer not configured", e.Type()),
			TransportErrorKind: models.TransportOther,
		}
		out.Elapsed(start)
		return out
	}

	// Clone the request so we don't mutate the caller's copy.
	r := *req
	r.Stealth = e.stealth
	if r.Fingerprint == nil {
		opts := fingerprint.Options{Mobile: r.Options.Mobile, Country: r.Options.Country}
		var (
			fp  *models.Fingerprint
			err error
		)
		if r.ProxySession != "" {
			fp, err = fingerprint.ForSession(r.ProxySession, opts)
		} else {
			fp, err = e.gen.Generate(opts)
		}
		if err != nil {
			out := &models.EngineOutcome{
				TransportError:     fmt.Errorf("%s: generate fingerprint: %w", e.Type(), err),
				TransportErrorKind: models.TransportOther,
			}
			out.Elapsed(start)
			return out
		}
		r.Fingerprint = fp
	}

	out := e.render(ctx, &r)
	if out == nil {
		out = &models.EngineOutcome{
			TransportError:     fmt.Errorf("%s: renderer returned no outcome", e.Type()),
			TransportErrorKind: models.TransportOther,
		}
	}
	out.FingerprintID = r.Fingerprint.ID
	if len(out.FingerprintMismatches) > 0 {
		slog.Warn("fingerprint mismatch",
			"job_id", r.JobID,
			"attempt", r.Attempt,
			"engine", e.Type(),
			"fingerprint_id", r.Fingerprint.ID,
			"mismatches", out.FingerprintMismatches,
		)
	}
	if out.Timing.TotalMs == 0 {
		out.Elapsed(start)
	}
	return out
}
