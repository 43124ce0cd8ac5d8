// Package pipeline tracks the client-side view of the matching pipeline.
//
// A Tracker holds a fixed, ordered list of named stages and moves each one
// through pending → running → complete | error as canonical stream events
// arrive:
//
//	stage-start     pending → running, turn marked running
//	stage-progress  detail only, status unchanged
//	stage-complete  pending|running → complete, detail cleared
//	trial-progress  appended to the turn's trial list, no status change
//	final-response  every pending|running stage → complete, turn not running
//	error           every running stage → error, turn not running
//
// complete and error are terminal until Reset starts the next turn.
//
// # Finalization
//
// final-response forces stages the backend never closed to complete. A
// skipped stage is then indistinguishable from a finished one; Forced
// reports which stages were closed this way so callers can log it.
package pipeline
