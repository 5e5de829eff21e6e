// Package postgres implements the Requester stores defined in internal/store
// on PostgreSQL through pgx's database/sql driver, and embeds the goose
// migrations for that schema.
//
// Task and Pipeline updates are conditional on the stored row being
// unfinished, which makes terminal statuses absorbing at the database level.
package postgres
