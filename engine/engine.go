package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/use-agent/harvester/models"
)

// Engine executes one job attempt. Implementations never return an error:
// every failure is reported on the outcome so it can be classified.
type Engine interface {
	// Type returns the engine identifier (http, browser or stealth).
	Type() models.EngineType

	// Execute performs the request and reports what happened.
	Execute(ctx context.Context, req *Request) *models.EngineOutcome
}

// Request contains everything an engine needs for one attempt.
type Request struct {
	JobID   string
	Attempt int

	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Options models.Options

	// ProxyURL is the egress for the job's proxy tier; empty means direct.
	ProxyURL string
	// ProxySession is the sticky proxy binding the attempt runs on. Browser
	// engines derive their identity from it so one exit shows one visitor.
	ProxySession string

	// Fingerprint is the identity a browser engine presents. Browser engines
	// generate one when it is nil.
	Fingerprint *models.Fingerprint

	// Stealth is set by the stealth engine for its render callback.
	Stealth bool
}

// Registry maps engine types to their adapters. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	engines map[models.EngineType]Engine
}

// NewRegistry builds a Registry. Registering two adapters for one type fails.
func NewRegistry(engines ...Engine) (*Registry, error) {
	r := &Registry{engines: make(map[models.EngineType]Engine, len(engines))}
	for _, e := range engines {
		if _, dup := r.engines[e.Type()]; dup {
			return nil, fmt.Errorf("engine: %s registered twice", e.Type())
		}
		r.engines[e.Type()] = e
	}
	return r, nil
}

// Get returns the adapter for t.
func (r *Registry) Get(t models.EngineType) (Engine, bool) {
	e, ok := r.engines[t]
	return e, ok
}

// Types lists registered engines, weakest first.
func (r *Registry) Types() []models.EngineType {
	out := make([]models.EngineType, 0, len(r.engines))
	for t := range r.engines {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}
