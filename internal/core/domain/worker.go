package domain

import "time"

// WorkerState is the phase of a worker's fetch-forward-commit loop.
type WorkerState string

// Worker states.
const (
	WorkerIdle       WorkerState = "idle"
	WorkerFetching   WorkerState = "fetching"
	WorkerForwarding WorkerState = "forwarding"
	WorkerCommitting WorkerState = "committing"
	WorkerStopped    WorkerState = "stopped"
)

// String returns the string representation.
func (s WorkerState) String() string {
	return string(s)
}

var workerTransitions = map[WorkerState][]WorkerState{
	WorkerIdle:       {WorkerFetching, WorkerStopped},
	WorkerFetching:   {WorkerForwarding, WorkerCommitting, WorkerIdle, WorkerStopped},
	WorkerForwarding: {WorkerCommitting, WorkerIdle, WorkerStopped},
	WorkerCommitting: {WorkerIdle, WorkerFetching, WorkerStopped},
	WorkerStopped:    nil,
}

// CanTransition reports whether the loop may move from s to next.
// Forwarding never moves straight back to Fetching: a forwarded batch is
// either committed or abandoned with the old cursor.
func (s WorkerState) CanTransition(next WorkerState) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExitCause records why a worker left its loop.
type ExitCause string

// Exit causes.
const (
	// ExitCancelled is an orderly stop requested by the supervisor.
	ExitCancelled ExitCause = "cancelled"

	// ExitCrash is an unexpected failure, including a recovered panic.
	ExitCrash ExitCause = "crash"

	// ExitLiveness means the supervisor killed a hung cycle.
	ExitLiveness ExitCause = "liveness"

	// ExitFatalAuth means credentials were rejected after a refresh.
	ExitFatalAuth ExitCause = "fatal-auth"

	// ExitFatalConfig means the adapter refused its configuration.
	ExitFatalConfig ExitCause = "fatal-config"

	// ExitPermanentFail means the intake rejected data for good.
	ExitPermanentFail ExitCause = "permanent-fail"
)

// String returns the string representation.
func (c ExitCause) String() string {
	return string(c)
}

// Restartable reports whether the supervisor should start a fresh worker.
// Intentional stops need an operator.
func (c ExitCause) Restartable() bool {
	return c == ExitCrash || c == ExitLiveness
}

// ExitCauseFor maps a fatal error kind to the exit cause it produces.
func ExitCauseFor(kind ErrorKind) ExitCause {
	switch kind {
	case KindFatalAuth:
		return ExitFatalAuth
	case KindFatalConfig:
		return ExitFatalConfig
	case KindPermanent:
		return ExitPermanentFail
	default:
		return ExitCrash
	}
}

// WorkerRun is one lifetime of a worker, kept as history for operators.
type WorkerRun struct {
	// ID is the unique identifier for the run.
	ID string

	// StreamID identifies which stream the worker served.
	StreamID string

	// StartedAt is when the worker started.
	StartedAt time.Time

	// EndedAt is when the worker exited.
	EndedAt time.Time

	// Cause is why the worker exited.
	Cause ExitCause

	// Error contains the terminal error message, if any.
	Error string

	// EventsOut is the stream's cumulative events_out when the run ended.
	EventsOut uint64
}
