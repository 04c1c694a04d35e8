// Command imago runs a standalone image-loading daemon: it exposes an
// HTTP endpoint that loads and caches a remote image URL
// through pkg/imago's Manager, plus a /metrics endpoint for Prometheus
// scraping and periodic disk cache expiration.
//
// Usage:
//
//	imago -addr :8080
//
// Configuration is read from the environment; see pkg/imago.CacheConfig
// for the full list of IMAGO_* variables.
package main
