package safety

import (
	"fmt"
	"strings"
	"sync"
)

// totalFlowEpsilon guards the oxygen ratio against division by zero when
// the requested flow is the only flow in the chamber.
const totalFlowEpsilon = 1e-9

// Limits are the admission limits for the chamber. All values are in
// sccm except MaxOxygenPercentage (0-100) and MinPressureForFlow (PSIA).
type Limits struct {
	// MaxIndividualFlow caps any single channel's setpoint.
	MaxIndividualFlow float64

	// MaxTotalFlow caps the sum of all channel setpoints.
	MaxTotalFlow float64

	// MaxOxygenPercentage caps the oxygen share of total flow.
	MaxOxygenPercentage float64

	// MinPressureForFlow is the minimum upstream pressure for delivery.
	// Recorded with the limit set; enforcement requires a pressure
	// snapshot alongside flows and lives with the caller.
	MinPressureForFlow float64

	// EmergencyStopFlow is an absolute ceiling no request may cross
	// regardless of the other limits.
	EmergencyStopFlow float64
}

// Request is a proposed setpoint change for one channel.
type Request struct {
	// Channel is the channel name the request targets.
	Channel string

	// GasType is the process gas the channel delivers.
	GasType string

	// Flow is the requested setpoint in sccm.
	Flow float64
}

// Decision is the outcome of an admission check. A denial carries the
// first violated limit as its reason; an approval has an empty reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate evaluates setpoint requests against the configured limits.
//
// Thread Safety: all methods are safe for concurrent use. Limits may be
// swapped at runtime; an in-flight Approve uses the limits present when
// it started.
type Gate struct {
	mu     sync.RWMutex
	limits Limits
}

// NewGate creates a Gate with the given limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Limits returns the current limits.
func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// SetLimits replaces the limits. Takes effect for subsequent decisions.
func (g *Gate) SetLimits(limits Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
}

// Approve evaluates a setpoint request against the limits and a snapshot
// of current flows (sccm, keyed by channel name, including the requesting
// channel's present flow).
//
// The prospective total replaces the requesting channel's current flow
// with the request, so raising one channel is judged on the chamber state
// it would produce, not the one it started from.
func (g *Gate) Approve(req Request, current map[string]float64) Decision {
	g.mu.RLock()
	limits := g.limits
	g.mu.RUnlock()

	if req.Flow > limits.MaxIndividualFlow {
		return deny("individual flow limit exceeded: %.1f sccm > %.1f sccm",
			req.Flow, limits.MaxIndividualFlow)
	}

	total := req.Flow
	for ch, flow := range current {
		if ch == req.Channel {
			continue
		}
		total += flow
	}

	if total > limits.MaxTotalFlow {
		return deny("total flow limit exceeded: %.1f sccm > %.1f sccm",
			total, limits.MaxTotalFlow)
	}

	if isOxygen(req.GasType) {
		pct := req.Flow / max(total, totalFlowEpsilon) * 100
		if pct > limits.MaxOxygenPercentage {
			return deny("oxygen concentration limit exceeded: %.1f%% > %.1f%%",
				pct, limits.MaxOxygenPercentage)
		}
	}

	if req.Flow >= limits.EmergencyStopFlow {
		return deny("emergency flow ceiling reached: %.1f sccm >= %.1f sccm",
			req.Flow, limits.EmergencyStopFlow)
	}

	return Decision{Allowed: true}
}

// isOxygen reports whether a gas label counts toward the oxygen limit.
func isOxygen(gasType string) bool {
	switch strings.ToUpper(gasType) {
	case "O2", "OXYGEN":
		return true
	default:
		return false
	}
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}
