// Package retention removes artifacts that outlived the retention window.
// The Requester and the Executor sweep independently; both only ever remove
// things strictly older than the window, so a sweep may overlap with new
// submissions.
package retention
