// Package server hosts the Fiber HTTP service, the request middleware chain
// and the namespace registry that maps the ns query parameter onto a
// manager.Manager. The fetch handler (package proxy) and the diagnostics
// routes (package routes) are injected, so keep exports narrow and accept
// explicit dependencies.
package server
