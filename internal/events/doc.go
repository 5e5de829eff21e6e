// Package events is the Requester's in-process event bus.
//
// The Task service emits a TaskFinished event whenever a Task reaches a
// terminal status; the Pipeline Orchestrator subscribes to advance or stop
// the Pipeline the Task belongs to. Emission is synchronous, so handlers run
// on the emitter's goroutine and in registration order.
package events
