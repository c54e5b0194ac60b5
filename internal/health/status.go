// Package health monitors MCP servers with periodic liveness checks, derives
// a status from the check history and drives bounded automatic recovery.
package health

import "time"

// Status is the derived health of a server.
type Status string

const (
	StatusUnknown  Status = "UNKNOWN"
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
	StatusFailed   Status = "FAILED"
)

// Unhealthy reports whether s is CRITICAL or FAILED.
func (s Status) Unhealthy() bool {
	return s == StatusCritical || s == StatusFailed
}

// Thresholds control status derivation.
type Thresholds struct {
	Critical    int           // consecutive failures for CRITICAL
	Failed      int           // consecutive failures for FAILED
	HighLatency time.Duration // successful checks slower than this are DEGRADED
}

// DefaultThresholds returns 3 / 6 consecutive failures and a 10s latency bound.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 3, Failed: 6, HighLatency: 10 * time.Second}
}

// Metrics is the check history of one server.
type Metrics struct {
	Server              string
	Status              Status
	TotalChecks         int
	SuccessfulChecks    int
	ConsecutiveFailures int
	LastLatency         time.Duration
	LastSuccessLatency  time.Duration
	LastError           error
	LastCheck           time.Time
	RecoveryAttempts    int
	RecoveryExhausted   bool
}

// SuccessRate returns the fraction of successful checks, or 0 before any.
func (m Metrics) SuccessRate() float64 {
	if m.TotalChecks == 0 {
		return 0
	}
	return float64(m.SuccessfulChecks) / float64(m.TotalChecks)
}

// DeriveStatus computes the status from the counters alone. One or two
// failures with an acceptable last successful latency stay HEALTHY. An
// exhausted recovery is FAILED whatever the counters say.
func DeriveStatus(m Metrics, th Thresholds) Status {
	switch {
	case m.RecoveryExhausted:
		return StatusFailed
	case m.TotalChecks == 0:
		return StatusUnknown
	case th.Failed > 0 && m.ConsecutiveFailures >= th.Failed:
		return StatusFailed
	case th.Critical > 0 && m.ConsecutiveFailures >= th.Critical:
		return StatusCritical
	case th.HighLatency > 0 && m.SuccessfulChecks > 0 && m.LastSuccessLatency > th.HighLatency:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Alert is delivered to alert callbacks when a server enters CRITICAL or
// FAILED.
type Alert struct {
	Server    string
	Status    Status
	Previous  Status
	Timestamp time.Time
	LastError error
}
