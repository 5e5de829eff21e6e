// Package store defines interfaces for Requester persistence (Tasks,
// Pipelines, Datasets), the errors shared by every store implementation, and
// transaction helpers. Implementations live under internal/platform.
package store
