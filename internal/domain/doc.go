// Package domain contains the core entities shared by the Requester and the
// Executor: the Task state machine, Pipelines, Datasets, and the JSON
// contract exchanged between the two services (start, status, notification).
package domain
