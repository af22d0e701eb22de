// Package capability holds the declared capabilities of each registered model
// and lightweight usage counters.
//
// Invariants:
// - A Registry is owned by one manager instance; there is no package-level registry.
// - Usage counters are updated atomically and may be mutated from concurrent turns.
//
// Usage:
//
//	reg := capability.NewRegistry()
//	reg.Register(capability.Model{ID: "demo-model", Provider: "demo", Capabilities: capability.Capabilities{SupportsFunctionCalling: true}})
//	reg.RecordCall("demo-model", 120*time.Millisecond, true)
//	stats, _ := reg.Stats("demo-model")
package capability

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/parley/pkg/errs"
)

// Capabilities describes what a model can consume.
type Capabilities struct {
	SupportsImages          bool     `json:"supports_images"`
	SupportedImageTypes     []string `json:"supported_image_types,omitempty"`
	SupportsFunctionCalling bool     `json:"supports_function_calling"`
	ContextLimit            int      `json:"context_limit"` // tokens, 0 = unlimited
}

// AcceptsImage reports whether an attachment of the given content type can be
// passed to the model unchanged.
func (c Capabilities) AcceptsImage(contentType string) bool {
	if !c.SupportsImages {
		return false
	}
	if len(c.SupportedImageTypes) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return slices.Contains(c.SupportedImageTypes, ct)
}

// Pricing is an optional per-million-token price used for cost estimates.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// Cost returns the estimated cost of a call.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1_000_000
}

// Model is a registered model identifier with its capabilities.
type Model struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Capabilities Capabilities `json:"capabilities"`
	Pricing      Pricing      `json:"pricing"`
}

// Stats is a point-in-time snapshot of a model's usage counters.
type Stats struct {
	Calls          int64         `json:"calls"`
	Successes      int64         `json:"successes"`
	AverageLatency time.Duration `json:"average_latency"`
}

// SuccessRate returns successes / calls, or 0 when the model was never called.
func (s Stats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Calls)
}

type counters struct {
	calls     atomic.Int64
	successes atomic.Int64
	latencyNs atomic.Int64
}

type entry struct {
	model Model
	stats *counters
}

// Registry maps model identifiers to capabilities and usage counters.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*entry)}
}

// Register adds or replaces a model declaration. Usage counters survive a
// re-registration so capability reloads do not reset statistics.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.models[m.ID]; ok {
		existing.model = m
		return
	}
	r.models[m.ID] = &entry{model: m, stats: &counters{}}
}

// Unregister removes a model.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, id)
}

// Get returns the registered model or a ModelNotFound error.
func (r *Registry) Get(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.models[id]
	if !ok {
		return Model{}, errs.ModelNotFound(id)
	}
	return e.model, nil
}

// Capabilities returns the capabilities declared for a model.
func (r *Registry) Capabilities(id string) (Capabilities, error) {
	m, err := r.Get(id)
	if err != nil {
		return Capabilities{}, err
	}
	return m.Capabilities, nil
}

// List returns all registered models sorted by id.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, e.model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordCall updates the usage counters of a model. Calls for unknown models
// are ignored.
func (r *Registry) RecordCall(id string, latency time.Duration, success bool) {
	r.mu.RLock()
	e, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.stats.calls.Add(1)
	e.stats.latencyNs.Add(int64(latency))
	if success {
		e.stats.successes.Add(1)
	}
}

// Stats returns a snapshot of the usage counters of a model.
func (r *Registry) Stats(id string) (Stats, error) {
	r.mu.RLock()
	e, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, errs.ModelNotFound(id)
	}

	calls := e.stats.calls.Load()
	s := Stats{
		Calls:     calls,
		Successes: e.stats.successes.Load(),
	}
	if calls > 0 {
		s.AverageLatency = time.Duration(e.stats.latencyNs.Load() / calls)
	}
	return s, nil
}
