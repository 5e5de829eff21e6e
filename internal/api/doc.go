// Package api holds the HTTP plumbing shared by the Requester and Executor
// servers: error to status mapping, safe client messages and path helpers.
// The routes themselves live in the requester and executor subpackages.
package api
