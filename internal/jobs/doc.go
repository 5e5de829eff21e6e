// Package jobs runs Executor work: a persistent job store, an in-memory
// queue feeding a fixed worker pool, and the handler chain that wraps each
// actor with its job logger, lifecycle notifications and panic recovery.
//
// Every job runs under a context whose cancellation cause tells the chain
// why it stopped: ErrAborted, ErrTimeLimitExceeded or ErrShutdown.
package jobs
