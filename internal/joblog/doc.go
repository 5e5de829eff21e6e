// Package joblog implements the per-job logger used by Executor actors.
//
// A Logger keeps a bounded list of infos, every warning and error, and a set
// of live progress bars. After each mutation it writes a snapshot to a Sink,
// replacing the previous one, so pollers always see the whole current state.
// Warnings can be collapsed under a key and are only included in snapshots
// on request or at termination.
package joblog
