// Package gateway is the HTTP front door of the mesh.
//
// Requests are matched against a route table by longest path prefix, the
// path is rewritten for the target service, and the call is forwarded through
// httputil.ReverseProxy to the URL the registry reports for that service.
// Every forwarded call passes the service's circuit breaker first: an open
// circuit fails fast with 503 and no network traffic, discovery failures,
// transport errors, timeouts and 5xx answers count as failures, and anything
// below 500 is relayed verbatim and counts as a success.
//
// Aggregate endpoints such as /dashboard fan out to several services through
// the same guarded path and merge their JSON answers. /health, /registry,
// /stats and /metrics expose the gateway's own view of the mesh.
package gateway
