// Package tasking owns the Requester side of a Task's lifecycle.
//
// A Service creates Tasks, dispatches them to the Executor, applies the
// Executor's lifecycle notifications to the Task state machine and merges
// local state with the Executor's polling endpoint. Results are fetched
// asynchronously by a pool of collector workers after a SUCCESS
// notification, and a LeaseMonitor resolves Tasks whose notifications
// never arrived.
//
// Every failure is appended to the Task's durable log file before the Task
// changes state, so users see a status while operators keep the detail.
package tasking
