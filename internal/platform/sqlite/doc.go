// Package sqlite holds the Executor's durable state on an embedded SQLite
// database: job records with their abort flags, and the TTL-bound result
// store that Job Logger snapshots are mirrored into. The schema is applied
// with goose from the embedded migrations directory.
package sqlite
