package metrics

import "time"

// Outcome enumerates operation result categories for counters.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Recorder defines observability hooks for the operation tracker, registry
// and daemon sweeps. Implementations may forward to Prometheus; the
// NoopRecorder allows optional injection.
type Recorder interface {
	IncOperationOpened()
	IncOperationClosed(outcome Outcome)
	ObserveOperationDuration(d time.Duration)
	IncStepTransition(stepType, status string)
	IncRejectedWrite(code string) // code: fault taxonomy value
	SetOpenOperations(n int)
	SetStalledOperations(n int)
	SetLiveInstances(n int)
	IncInstancesSwept(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncOperationOpened()                     {}
func (NoopRecorder) IncOperationClosed(Outcome)              {}
func (NoopRecorder) ObserveOperationDuration(time.Duration)  {}
func (NoopRecorder) IncStepTransition(string, string)        {}
func (NoopRecorder) IncRejectedWrite(string)                 {}
func (NoopRecorder) SetOpenOperations(int)                   {}
func (NoopRecorder) SetStalledOperations(int)                {}
func (NoopRecorder) SetLiveInstances(int)                    {}
func (NoopRecorder) IncInstancesSwept(int)                   {}
