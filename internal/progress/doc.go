// Package progress streams per-page crawl activity from sessions to pluggable
// sinks. Sessions emit without blocking; a Hub batches events and fans them
// out to the log, Prometheus and broker sinks in package sinks.
package progress
