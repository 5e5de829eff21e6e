// Package pipeline sequences dependent Tasks. A Pipeline starts its first
// stage, advances to the next stage each time the current one succeeds and
// stops with the stage's status as soon as one fails or is cancelled.
package pipeline
