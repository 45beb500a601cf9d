// Package server hosts the Fiber HTTP service, the request middleware chain and
// the shared upstream http.Client. It wires /healthcheck, the optional
// /metrics scrape route and the catch-all route that hands every other path
// to the cache handler. A second, metrics-only app can be built for operators
// who scrape on a dedicated port. Keep exports narrow and accept explicit
// dependencies so main and tests can swap collaborators.
package server
