// Package telemetry receives invocation and health-check observations from
// the runtime and optionally records them into OpenTelemetry.
package telemetry

import "time"

// InvokeObservation captures one tool invocation outcome.
type InvokeObservation struct {
	Server    string
	Tool      string
	Transport string
	Async     bool
	Duration  time.Duration
	Success   bool
	ErrorKind string
}

// HealthObservation captures one health-check outcome.
type HealthObservation struct {
	Server              string
	Status              string
	PreviousStatus      string
	ConsecutiveFailures int
	Duration            time.Duration
	ErrorKind           string
}

// Observer receives runtime observability events. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveInvoke(InvokeObservation)
	ObserveHealth(HealthObservation)
}

type nopObserver struct{}

func (nopObserver) ObserveInvoke(InvokeObservation) {}
func (nopObserver) ObserveHealth(HealthObservation) {}

// Nop discards every observation.
var Nop Observer = nopObserver{}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}
