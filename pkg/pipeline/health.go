package pipeline

import (
	"github.com/sony/gobreaker"
)

// ProviderHealth exposes the external AI provider's circuit breaker state,
// satisfied by *aiprovider.Client's BreakerState method.
type ProviderHealth interface {
	BreakerState() gobreaker.State
}

// Health aggregates the orchestrator's liveness signals for the control
// surface's monitoring endpoints, the supplemented MCP-style health daemon
// the spec's persisted-state layout carries forward from the original
// bot's subprocess health checks, reimagined here as a view over this
// service's own worker pool and provider breaker rather than a child
// process table.
type Health struct {
	Pool     *Pool
	Provider ProviderHealth
	Inbound  *InboundQueue
}

// Status is the JSON-serializable snapshot returned by the health and
// metrics endpoints.
type Status struct {
	Status          string `json:"status"`
	Workers         int    `json:"workers"`
	InFlight        int64  `json:"in_flight"`
	ProviderBreaker string `json:"provider_breaker,omitempty"`
	InboundDropped  int64  `json:"inbound_dropped"`
}

// Snapshot reports the current health view. Status degrades to "degraded"
// when the provider breaker has tripped open, since drafting will fail
// until it resets.
func (h *Health) Snapshot() Status {
	st := Status{Status: "ok"}
	if h.Pool != nil {
		st.Workers = h.Pool.WorkerCount()
		st.InFlight = h.Pool.InFlight()
	}
	if h.Provider != nil {
		state := h.Provider.BreakerState()
		st.ProviderBreaker = state.String()
		if state == gobreaker.StateOpen {
			st.Status = "degraded"
		}
	}
	if h.Inbound != nil {
		st.InboundDropped = h.Inbound.Dropped()
	}
	return st
}
