// Package healthcheck keeps the health flags in the service registry current.
// A Monitor periodically sends GET {url}/health to every registered service,
// one goroutine per service with its own timeout, and marks services healthy
// on a 2xx answer and unhealthy on anything else.
package healthcheck
