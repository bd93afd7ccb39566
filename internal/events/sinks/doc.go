// Package sinks implements lifecycle event consumers: structured logging,
// Prometheus collectors, and a publisher bridge to Pub/Sub.
package sinks
