// Package routing implements the provider selection policy: given a request
// and the set of registered provider descriptors (with live health), it
// produces a RoutingDecision carrying a primary provider and an ordered
// fallback list. Decisions are read-only with respect to provider state —
// the only side effect of routing is selection; outcomes are recorded by
// the circuit breaker after the adapter call completes.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/llm-gateway/internal/breaker"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/pricing"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// Strategy identifies a provider selection policy.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	PriorityFailover Strategy = "priority_failover"
	LowestLatency   Strategy = "lowest_latency"
	LowestCost      Strategy = "lowest_cost"
)

// ProviderDescriptor is the static registration record for a provider.
type ProviderDescriptor struct {
	Name            string
	SupportedModels map[string]struct{}
	Streaming       bool
	FunctionCalling bool
	Vision          bool
}

// Supports reports whether this provider is registered for model.
func (d ProviderDescriptor) Supports(model string) bool {
	_, ok := d.SupportedModels[model]
	return ok
}

// Decision is the outcome of a routing call: a primary provider and an
// ordered fallback list, along with the reason the primary was chosen.
type Decision struct {
	Primary                ProviderDescriptor
	Fallbacks               []ProviderDescriptor
	SelectedReason          Strategy
	EstimatedCostPer1KTokens float64
}

// ErrNoEligibleProvider is returned when no registered provider supports the
// requested model, or every supporting provider's circuit is OPEN.
type ErrNoEligibleProvider struct {
	Model string
}

func (e *ErrNoEligibleProvider) Error() string {
	return fmt.Sprintf("routing: no eligible provider for model %q", e.Model)
}

// Engine selects a provider for each request according to a configured
// strategy, consulting the circuit breaker and health tracker for
// liveness/latency data. Engine is read-only after construction except for
// the round-robin cursor, which is updated atomically.
type Engine struct {
	mu          sync.RWMutex
	descriptors []ProviderDescriptor
	byName      map[string]ProviderDescriptor
	order       []string // priority order, also the round-robin cycle order

	strategy Strategy
	cb       *breaker.CircuitBreaker
	health   *health.Tracker
	pricing  *pricing.Table

	rrCursor uint64

	defaultMaxTokens int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDefaultMaxTokens sets the max_tokens estimate used by lowest_cost
// routing when a request does not specify one.
func WithDefaultMaxTokens(n int) Option {
	return func(e *Engine) { e.defaultMaxTokens = n }
}

// NewEngine builds a routing Engine. order gives the priority/round-robin
// cycle order; descriptors not present in order are appended after it in
// registration order.
func NewEngine(strategy Strategy, order []string, descriptors []ProviderDescriptor, cb *breaker.CircuitBreaker, h *health.Tracker, pt *pricing.Table, opts ...Option) *Engine {
	byName := make(map[string]ProviderDescriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	seen := make(map[string]struct{}, len(order))
	finalOrder := make([]string, 0, len(descriptors))
	for _, name := range order {
		if _, ok := byName[name]; !ok {
			continue
		}
		finalOrder = append(finalOrder, name)
		seen[name] = struct{}{}
	}
	for _, d := range descriptors {
		if _, ok := seen[d.Name]; ok {
			continue
		}
		finalOrder = append(finalOrder, d.Name)
	}

	e := &Engine{
		descriptors:      descriptors,
		byName:           byName,
		order:            finalOrder,
		strategy:         strategy,
		cb:               cb,
		health:           h,
		pricing:          pt,
		defaultMaxTokens: 256,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Route produces a RoutingDecision for model given the configured strategy.
func (e *Engine) Route(model string, estimatedInputTokens, requestMaxTokens int) (Decision, error) {
	eligible := e.eligibleForModel(model)
	if len(eligible) == 0 {
		return Decision{}, &ErrNoEligibleProvider{Model: model}
	}

	switch e.strategy {
	case RoundRobin:
		return e.routeRoundRobin(model, eligible)
	case LowestLatency:
		return e.routeLowestLatency(eligible)
	case LowestCost:
		return e.routeLowestCost(model, eligible, estimatedInputTokens, requestMaxTokens)
	default: // priority_failover is the default strategy
		return e.routePriorityFailover(eligible)
	}
}

// eligibleForModel returns descriptors supporting model, in priority order,
// preferring CLOSED-circuit providers; if none are CLOSED it falls back to
// the full supporting set so the caller can still attempt (and record)
// a failure rather than erroring out on a transient all-open window.
func (e *Engine) eligibleForModel(model string) []ProviderDescriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var supporting, closedOnly []ProviderDescriptor
	for _, name := range e.order {
		d, ok := e.byName[name]
		if !ok || !d.Supports(model) {
			continue
		}
		supporting = append(supporting, d)
		if e.cb == nil || e.cb.State(d.Name) == breaker.Closed {
			closedOnly = append(closedOnly, d)
		}
	}
	if len(closedOnly) > 0 {
		return closedOnly
	}
	return supporting
}

func (e *Engine) routePriorityFailover(eligible []ProviderDescriptor) (Decision, error) {
	return Decision{
		Primary:        eligible[0],
		Fallbacks:      eligible[1:],
		SelectedReason: PriorityFailover,
	}, nil
}

func (e *Engine) routeRoundRobin(model string, eligible []ProviderDescriptor) (Decision, error) {
	n := uint64(len(eligible))
	start := atomic.AddUint64(&e.rrCursor, 1) % n

	ordered := make([]ProviderDescriptor, 0, len(eligible))
	for i := uint64(0); i < n; i++ {
		ordered = append(ordered, eligible[(start+i)%n])
	}

	return Decision{
		Primary:        ordered[0],
		Fallbacks:      ordered[1:],
		SelectedReason: RoundRobin,
	}, nil
}

func (e *Engine) routeLowestLatency(eligible []ProviderDescriptor) (Decision, error) {
	ordered := append([]ProviderDescriptor(nil), eligible...)
	sort.SliceStable(ordered, func(i, j int) bool {
		si := e.health.Snapshot(ordered[i].Name)
		sj := e.health.Snapshot(ordered[j].Name)
		if si.P95Latency != sj.P95Latency {
			return si.P95Latency < sj.P95Latency
		}
		return si.P50Latency < sj.P50Latency
	})

	return Decision{
		Primary:        ordered[0],
		Fallbacks:      ordered[1:],
		SelectedReason: LowestLatency,
	}, nil
}

func (e *Engine) routeLowestCost(model string, eligible []ProviderDescriptor, estimatedInputTokens, requestMaxTokens int) (Decision, error) {
	maxTokens := requestMaxTokens
	if maxTokens <= 0 {
		maxTokens = e.defaultMaxTokens
	}

	type priced struct {
		d    ProviderDescriptor
		cost float64
		has  bool
	}
	rows := make([]priced, 0, len(eligible))
	for _, d := range eligible {
		entry, ok := e.pricing.Lookup(d.Name, model)
		if !ok {
			rows = append(rows, priced{d: d, has: false})
			continue
		}
		cost := entry.InputRate*float64(estimatedInputTokens)/1000 + entry.OutputRate*float64(maxTokens)/1000
		rows = append(rows, priced{d: d, cost: cost, has: true})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].has != rows[j].has {
			return rows[i].has // priced providers sort before unpriced ones
		}
		return rows[i].cost < rows[j].cost
	})

	ordered := make([]ProviderDescriptor, len(rows))
	for i, r := range rows {
		ordered[i] = r.d
	}

	return Decision{
		Primary:                  ordered[0],
		Fallbacks:                ordered[1:],
		SelectedReason:           LowestCost,
		EstimatedCostPer1KTokens: rows[0].cost,
	}, nil
}
